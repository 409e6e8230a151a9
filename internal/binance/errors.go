package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Binance error codes that indicate a temporary condition.
const (
	CodeDisconnected        = -1001
	CodeTooManyRequests     = -1003
	CodeTooManyOrders       = -1015
	CodeServiceShuttingDown = -1016
	CodeNoNeedToChangeMode  = -4059
	CodeNoNeedToChangeType  = -4046
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (http %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case CodeDisconnected, CodeTooManyRequests, CodeTooManyOrders, CodeServiceShuttingDown:
		return true
	}
	return false
}

// parseAPIError builds an APIError from a response body, keeping the raw
// body as message when it is not the usual {code,msg} object.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}

// IsAPIErrorCode reports whether err carries the given Binance code.
func IsAPIErrorCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
