package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ferrors "github.com/fieldproof/fieldsync/internal/errors"
	"github.com/fieldproof/fieldsync/internal/remote"
)

// ErrorKind tags a sync failure so permanence is decided over a closed
// set rather than by re-sniffing strings at every call site.
type ErrorKind int

const (
	// KindNetwork covers unreachable hosts, timeouts, and dropped
	// connections. Always retried.
	KindNetwork ErrorKind = iota

	// KindHTTP is a backend response with a status code that is not an
	// auth or validation failure. Permanence depends on the code.
	KindHTTP

	// KindAuth covers expired or rejected credentials. Never retried.
	KindAuth

	// KindValidation covers malformed payloads and policy violations.
	// Never retried; the payload will not get better on its own.
	KindValidation

	// KindUnknown is everything unmatched. Retried, never dropped.
	KindUnknown
)

// SyncError pairs an ErrorKind with the original error for diagnostics.
type SyncError struct {
	Kind   ErrorKind
	Status int
	Raw    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error (kind %d): %v", e.Kind, e.Raw)
}

func (e *SyncError) Unwrap() error {
	return e.Raw
}

// Phrases in backend error messages that select an ErrorKind. Kept as
// the mapping into the tag, not as the runtime representation.
var (
	authPhrases = []string{
		"JWT expired",
		"invalid JWT",
	}

	validationPhrases = []string{
		"row-level security",
		"invalid input syntax",
	}

	networkPhrases = []string{
		"failed to fetch",
		"Failed to fetch",
		"connection refused",
		"no such host",
		"timeout",
		"timed out",
	}

	// statusPhrases recognizes bare status codes embedded in error text
	// from transports that stringify their responses.
	statusPhrases = map[string]int{
		"400": 400,
		"401": 401,
		"403": 403,
		"404": 404,
		"500": 500,
		"502": 502,
		"503": 503,
	}
)

// Classify maps an arbitrary error from the transport or backend to a
// tagged SyncError. Returns nil for nil input.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}

	if errors.Is(err, ferrors.ErrJobSealed) ||
		errors.Is(err, ferrors.ErrUnknownActionType) ||
		errors.Is(err, ferrors.ErrMediaNotFound) {
		return &SyncError{Kind: KindValidation, Raw: err}
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &SyncError{Kind: KindNetwork, Raw: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncError{Kind: KindNetwork, Raw: err}
	}

	msg := err.Error()

	for _, p := range authPhrases {
		if strings.Contains(msg, p) {
			return &SyncError{Kind: KindAuth, Raw: err}
		}
	}

	for _, p := range validationPhrases {
		if strings.Contains(msg, p) {
			return &SyncError{Kind: KindValidation, Raw: err}
		}
	}

	for _, p := range networkPhrases {
		if strings.Contains(msg, p) {
			return &SyncError{Kind: KindNetwork, Raw: err}
		}
	}

	for p, status := range statusPhrases {
		if strings.Contains(msg, p) {
			return &SyncError{Kind: KindHTTP, Status: status, Raw: err}
		}
	}

	return &SyncError{Kind: KindUnknown, Raw: err}
}

func classifyAPIError(apiErr *remote.APIError, raw error) *SyncError {
	switch apiErr.Status {
	case 401, 403:
		return &SyncError{Kind: KindAuth, Status: apiErr.Status, Raw: raw}
	case 400:
		return &SyncError{Kind: KindValidation, Status: apiErr.Status, Raw: raw}
	}

	if strings.Contains(apiErr.Message, "JWT expired") {
		return &SyncError{Kind: KindAuth, Status: apiErr.Status, Raw: raw}
	}

	for _, p := range validationPhrases {
		if strings.Contains(apiErr.Message, p) {
			return &SyncError{Kind: KindValidation, Status: apiErr.Status, Raw: raw}
		}
	}

	return &SyncError{Kind: KindHTTP, Status: apiErr.Status, Raw: raw}
}

// IsPermanent reports whether an error is not worth retrying. Unknown
// errors are transient: they are retried, never silently dropped. A nil
// error is trivially not permanent.
func IsPermanent(err error) bool {
	se := Classify(err)
	if se == nil {
		return false
	}

	switch se.Kind {
	case KindAuth, KindValidation:
		return true

	case KindHTTP:
		switch se.Status {
		case 400, 401, 403, 404:
			return true
		}

		return false

	case KindNetwork, KindUnknown:
		return false
	}

	return false
}
