package api

import (
	"errors"
	"net/http"

	"github.com/punchamoorthee/trustgate/internal/initdata"
	"github.com/punchamoorthee/trustgate/internal/payment"
	"github.com/punchamoorthee/trustgate/internal/qr"
	"github.com/punchamoorthee/trustgate/internal/service"
	"github.com/punchamoorthee/trustgate/internal/store"
)

// kindOf maps any pipeline error to its stable kind tag. The tag is the only
// failure granularity a client ever sees; it also labels the validation
// metrics.
func kindOf(err error) string {
	switch {
	case errors.Is(err, initdata.ErrMalformedInput), errors.Is(err, qr.ErrMalformedFormat):
		return "malformed_input"
	case errors.Is(err, initdata.ErrMissingField):
		return "missing_field"
	case errors.Is(err, initdata.ErrSignatureMismatch), errors.Is(err, qr.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, initdata.ErrExpired), errors.Is(err, qr.ErrExpired):
		return "expired"
	case errors.Is(err, initdata.ErrMalformedUser), errors.Is(err, qr.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, qr.ErrInvalidPrefix):
		return "invalid_prefix"
	case errors.Is(err, qr.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, qr.ErrTamperedPayload):
		return "tampered_payload"
	case errors.Is(err, qr.ErrTooLarge):
		return "too_large"
	case errors.Is(err, service.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, store.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, store.ErrDuplicateToken):
		return "already_used"
	case errors.Is(err, payment.ErrUntrustedSource):
		return "signature_mismatch"
	case errors.Is(err, payment.ErrMalformedEvent):
		return "malformed_input"
	case errors.Is(err, payment.ErrPartialUnsupported), errors.Is(err, payment.ErrStatusUnsupported):
		return "unsupported"
	case errors.Is(err, payment.ErrRefundFailed):
		return "refund_failed"
	case errors.Is(err, service.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrOrderConflict):
		return "conflict"
	}
	return "internal"
}

// statusFor picks the HTTP status for a pipeline failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAlreadyUsed),
		errors.Is(err, store.ErrDuplicateToken),
		errors.Is(err, service.ErrAmountMismatch),
		errors.Is(err, service.ErrOrderConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrUntrustedSource):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, qr.ErrSignatureMismatch),
		errors.Is(err, qr.ErrExpired),
		errors.Is(err, qr.ErrTamperedPayload):
		return http.StatusUnauthorized
	case errors.Is(err, payment.ErrRefundFailed):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}
