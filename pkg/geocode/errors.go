package geocode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the closed taxonomy of failure classes the client can surface.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotAuthorized
	KindForbidden
	KindBadRequest
	KindNotFound
	KindMethodNotAllowed
	KindTimeout
	KindRequestTooLong
	KindUpgradeRequired
	KindTooManyRequests
	KindRateLimitExceeded
	KindServerError
	KindNetworkError
	KindBadResponse
	KindBatchProcessing
	KindZeroResults
)

// kindNames are the stable names used in logs and output status cells.
var kindNames = map[Kind]string{
	KindUnknown:           "UNKNOWN_ERROR",
	KindInvalidInput:      "INVALID_INPUT",
	KindNotAuthorized:     "NOT_AUTHORIZED",
	KindForbidden:         "FORBIDDEN",
	KindBadRequest:        "BAD_REQUEST",
	KindNotFound:          "NOT_FOUND",
	KindMethodNotAllowed:  "METHOD_NOT_ALLOWED",
	KindTimeout:           "TIMEOUT",
	KindRequestTooLong:    "REQUEST_TOO_LONG",
	KindUpgradeRequired:   "UPGRADE_REQUIRED",
	KindTooManyRequests:   "TOO_MANY_REQUESTS",
	KindRateLimitExceeded: "RATE_LIMIT_EXCEEDED",
	KindServerError:       "SERVER_ERROR",
	KindNetworkError:      "NETWORK_ERROR",
	KindBadResponse:       "BAD_RESPONSE",
	KindBatchProcessing:   "BATCH_PROCESSING_ERROR",
	KindZeroResults:       "ZERO_RESULTS",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// APIError is a failure normalized into the closed taxonomy. RateLimit is
// set for RATE_LIMIT_EXCEEDED when the API reported its allowance, Status
// for SERVER_ERROR, and Err for wrapped transport causes.
type APIError struct {
	Kind      Kind
	Message   string
	Status    int   // HTTP status code, when the failure came from a reply.
	RateLimit *Rate // Allowance reported alongside a quota rejection.
	Err       error // Underlying cause, if any.
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("geocode: %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("geocode: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("geocode: %s", e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewError builds an APIError of the given kind with a formatted message.
func NewError(kind Kind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// kindFromStatus maps an HTTP reply status onto the taxonomy. Quota
// rejections (402) are distinguished from burst throttling (429) because
// only the latter is worth retrying within a single run.
func kindFromStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindNotAuthorized
	case http.StatusPaymentRequired:
		return KindRateLimitExceeded
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusRequestTimeout:
		return KindTimeout
	case http.StatusGone:
		return KindRequestTooLong
	case http.StatusUpgradeRequired:
		return KindUpgradeRequired
	case http.StatusTooManyRequests:
		return KindTooManyRequests
	default:
		if status >= 500 {
			return KindServerError
		}
		return KindUnknown
	}
}

// Classify normalizes any failure into an *APIError. Already-classified
// errors pass through unchanged; transport faults map to TIMEOUT or
// NETWORK_ERROR; anything else is UNKNOWN_ERROR and treated as a
// programmer error by the retry layer.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &APIError{Kind: KindTimeout, Err: err}
		}
		return &APIError{Kind: KindNetworkError, Err: err}
	}

	return &APIError{Kind: KindUnknown, Err: err}
}

// Retryable reports whether a failure is safe to retry. Connection faults,
// request timeouts, burst throttling, and server-side errors retry;
// everything else, including unclassified programmer errors, does not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	switch Classify(err).Kind {
	case KindNetworkError, KindTimeout, KindTooManyRequests, KindServerError:
		return true
	default:
		return false
	}
}
