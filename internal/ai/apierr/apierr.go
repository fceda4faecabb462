// Package apierr maps provider transport and HTTP failures onto sentinel errors.
// Package ai re-exports the sentinels; provider clients depend on this package
// so that ai can construct them without an import cycle.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrQuotaExceeded       = errors.New("ai provider quota exceeded")
	ErrPayloadTooLarge     = errors.New("ai provider payload too large")
	ErrUnauthorized        = errors.New("ai provider rejected credentials")
	ErrBadRequest          = errors.New("ai provider rejected request")
)

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// FromResponse classifies a non-2xx provider response. The provider's own
// message is kept in the error text.
func FromResponse(status int, body []byte) error {
	msg := providerMessage(body)
	var sentinel error
	switch {
	case status == http.StatusRequestEntityTooLarge:
		sentinel = ErrPayloadTooLarge
	case status == http.StatusPaymentRequired:
		sentinel = ErrQuotaExceeded
	case status == http.StatusTooManyRequests:
		sentinel = ErrProviderUnavailable
		if isQuotaMessage(body) {
			sentinel = ErrQuotaExceeded
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		sentinel = ErrInferenceTimeout
	case status >= 500:
		sentinel = ErrProviderUnavailable
	default:
		sentinel = ErrBadRequest
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", sentinel, status)
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, status, msg)
}

func isQuotaMessage(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "quota")
}

// providerMessage extracts error.message from OpenAI and Anthropic style
// error bodies, falling back to the trimmed raw body.
func providerMessage(body []byte) string {
	var parsed struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(parsed.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if err := json.Unmarshal(parsed.Error, &s); err == nil && s != "" {
			return s
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}
