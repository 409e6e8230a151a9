package notification

import (
	"fmt"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/events"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal     NotificationType = "signal"
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyBreaker    NotificationType = "circuit_breaker"
	NotifyEmergency  NotificationType = "emergency"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to its providers. It turns bus events
// into notifications once attached.
type Manager struct {
	notifiers []Notifier
	logger    *logging.Logger
}

// NewManager creates a new notification manager
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{logger: logger.WithComponent("notification")}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn("notification failed", "provider", n.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes to the events worth telling an operator about. Signals
// are left to the ledger; openings, closings and alarms are sent.
func (m *Manager) Attach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventPositionOpened,
		events.EventPositionClosed,
		events.EventCircuitBreakerUpdate,
		events.EventEmergencyStop,
		events.EventError,
		events.EventBotStarted,
		events.EventBotStopped,
	} {
		bus.Subscribe(t, m.handle)
	}
}

func (m *Manager) handle(e events.Event) {
	if n := FromEvent(e); n != nil {
		_ = m.Send(n)
	}
}

// FromEvent renders a bus event. It returns nil for events that are not
// notified.
func FromEvent(e events.Event) *Notification {
	d := e.Data
	symbol := str(d, "symbol")
	n := &Notification{Symbol: symbol, Timestamp: e.Timestamp}

	switch e.Type {
	case events.EventPositionOpened:
		n.Type = NotifyTradeOpen
		n.Price = num(d, "entry_price")
		n.Title = fmt.Sprintf("📈 %s %s opened: %s", str(d, "role"), str(d, "side"), symbol)
		n.Message = fmt.Sprintf("Entry: %.4f\nSize: %.0f @ %dx", n.Price, num(d, "size"), integer(d, "leverage"))
	case events.EventPositionClosed:
		n.Type = NotifyTradeClose
		n.Price = num(d, "exit_price")
		n.PnL = num(d, "pnl")
		emoji := "✅"
		if n.PnL < 0 {
			emoji = "❌"
		}
		n.Title = fmt.Sprintf("%s %s %s closed: %s", emoji, str(d, "role"), str(d, "side"), symbol)
		n.Message = fmt.Sprintf("Entry: %.4f → Exit: %.4f\nP&L: %.2f USDT\nReason: %s",
			num(d, "entry_price"), n.Price, n.PnL, str(d, "reason"))
	case events.EventCircuitBreakerUpdate:
		n.Type = NotifyBreaker
		n.Title = fmt.Sprintf("⚡ Circuit breaker %s", str(d, "action"))
		n.Message = fmt.Sprintf("State: %s\nReason: %s", str(d, "state"), str(d, "reason"))
	case events.EventEmergencyStop:
		n.Type = NotifyEmergency
		n.Title = fmt.Sprintf("🛑 Emergency stop: %s", symbol)
		n.Message = fmt.Sprintf("Reason: %s\nClosed: %d, failed: %d", str(d, "reason"), integer(d, "closed"), integer(d, "failed"))
	case events.EventError:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("⚠️ %s error", str(d, "source"))
		n.Message = str(d, "message")
		if detail := str(d, "error"); detail != "" {
			n.Message += "\n" + detail
		}
	case events.EventBotStarted:
		n.Type = NotifyInfo
		n.Title = fmt.Sprintf("🚀 Bot started: %s", symbol)
	case events.EventBotStopped:
		n.Type = NotifyInfo
		n.Title = fmt.Sprintf("⏹ Bot stopped: %s", symbol)
	default:
		return nil
	}
	return n
}

func str(d map[string]interface{}, key string) string {
	s, _ := d[key].(string)
	return s
}

func num(d map[string]interface{}, key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func integer(d map[string]interface{}, key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
