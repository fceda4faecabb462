package ai

import "github.com/kiranshivaraju/memoflow/internal/ai/apierr"

var (
	ErrProviderUnavailable = apierr.ErrProviderUnavailable
	ErrInferenceTimeout    = apierr.ErrInferenceTimeout
	ErrInvalidResponse     = apierr.ErrInvalidResponse
	ErrQuotaExceeded       = apierr.ErrQuotaExceeded
	ErrPayloadTooLarge     = apierr.ErrPayloadTooLarge
	ErrUnauthorized        = apierr.ErrUnauthorized
	ErrBadRequest          = apierr.ErrBadRequest
)
