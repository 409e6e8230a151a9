// Package autopilot runs the directional hedging cycle: it turns learned
// levels and indicator snapshots into signals, applies them through the
// exchange gateway, and keeps the position table consistent.
package autopilot

import (
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/exchange"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

func (s Side) exchange() exchange.Side {
	return exchange.Side(s)
}

// Role is the part a position plays in a cycle.
type Role string

const (
	RoleAnchor           Role = "ANCHOR"
	RoleAnchorHedge      Role = "ANCHOR_HEDGE"
	RoleOpportunity      Role = "OPPORTUNITY"
	RoleOpportunityHedge Role = "OPPORTUNITY_HEDGE"
	RoleScalp            Role = "SCALP"
	RoleScalpHedge       Role = "SCALP_HEDGE"
)

// IsPrimary reports whether the role is one of the sequential primaries.
func (r Role) IsPrimary() bool {
	return r == RoleAnchor || r == RoleOpportunity || r == RoleScalp
}

// IsHedge reports whether the role protects a primary.
func (r Role) IsHedge() bool {
	return r == RoleAnchorHedge || r == RoleOpportunityHedge || r == RoleScalpHedge
}

// HedgeRole maps a primary to the role of its hedge.
func (r Role) HedgeRole() Role {
	switch r {
	case RoleAnchor:
		return RoleAnchorHedge
	case RoleOpportunity:
		return RoleOpportunityHedge
	case RoleScalp:
		return RoleScalpHedge
	}
	return r
}

// PrimaryRole maps a hedge to the role it protects.
func (r Role) PrimaryRole() Role {
	switch r {
	case RoleAnchorHedge:
		return RoleAnchor
	case RoleOpportunityHedge:
		return RoleOpportunity
	case RoleScalpHedge:
		return RoleScalp
	}
	return r
}

// Status of a position.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position is one tracked leg. Size is the contract quantity.
type Position struct {
	ID              string     `json:"id"`
	Side            Side       `json:"side"`
	Role            Role       `json:"role"`
	Size            float64    `json:"size"`
	EntryPrice      float64    `json:"entry_price"`
	Leverage        int        `json:"leverage"`
	Status          Status     `json:"status"`
	OpenTime        time.Time  `json:"open_time"`
	CloseTime       *time.Time `json:"close_time,omitempty"`
	ExitPrice       float64    `json:"exit_price,omitempty"`
	PnL             *float64   `json:"pnl,omitempty"`
	PairedID        string     `json:"paired_id,omitempty"`
	LevelPrice      float64    `json:"level_price,omitempty"`
	TakeProfitPrice float64    `json:"take_profit_price,omitempty"`
	TakeProfitID    string     `json:"take_profit_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// IsOpen reports whether the position is still live.
func (p Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// UnrealizedPnL is the PnL the position would realize at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return CalculatePnL(p.EntryPrice, price, p.Side, p.Size, p.Leverage)
}

// MoveFraction is the unleveraged favourable price move since entry.
func (p Position) MoveFraction(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) * p.Side.Sign() / p.EntryPrice
}

// SignalKind is what a signal asks the lifecycle manager to do.
type SignalKind string

const (
	SignalEntry   SignalKind = "ENTRY"
	SignalHedge   SignalKind = "HEDGE"
	SignalReEntry SignalKind = "RE_ENTRY"
	SignalExit    SignalKind = "EXIT"
)

// Signal is an engine output. It is never persisted as state.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	Side       Side       `json:"side"`
	Role       Role       `json:"role"`
	Price      float64    `json:"price"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
	Timestamp  time.Time  `json:"timestamp"`
	// PositionID names the position an EXIT closes.
	PositionID string `json:"position_id,omitempty"`
	// PairedID names the primary a HEDGE protects.
	PairedID   string  `json:"paired_id,omitempty"`
	LevelPrice float64 `json:"level_price,omitempty"`
}
