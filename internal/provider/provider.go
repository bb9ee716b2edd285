// Package provider is the boundary to the upstream activity detection
// service, which supports exactly one active subscription per deployment
// described by a single mutable filter.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradewatch/internal/retry"
)

// ErrFilterTooLarge is returned when the provider rejects a filter set for
// exceeding its size limit. This is permanent for the given batch; retrying
// the same filter would loop forever.
var ErrFilterTooLarge = errors.New("provider: filter set too large")

// Thresholds are passed through unchanged on every create/update call.
type Thresholds struct {
	MinScore     float64
	MinAmountUSD float64
}

// Subscription is the provider's view of the active subscription after a
// create or update call succeeded.
type Subscription struct {
	Handle    string
	FilterSet []int64
}

// CreateParams describes the one-time bootstrap call.
type CreateParams struct {
	Name        string
	CallbackURL string
	FilterSet   []int64
	Thresholds  Thresholds
}

// UpdateParams replaces the subscription's filter wholesale. The full desired
// set is always sent; the provider holds no deltas.
type UpdateParams struct {
	Handle      string
	Name        string
	CallbackURL string
	FilterSet   []int64
	Thresholds  Thresholds
}

// Adapter is the interface the job executor consumes. Implementations are
// untrusted I/O: any non-success response surfaces as an error, never as
// partial success.
type Adapter interface {
	Create(ctx context.Context, params CreateParams) (*Subscription, error)
	Update(ctx context.Context, params UpdateParams) (*Subscription, error)
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether a provider call failure is worth retrying.
// 5xx/429 responses are transient; other 4xx responses and filter size
// rejections are not. Transport errors are classified by the retry package:
// timeouts and connection failures retry, while deterministic failures like
// a malformed base URL do not burn attempts. Context errors retry so a
// shutdown mid-attempt never cancels the job permanently.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFilterTooLarge) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return retry.IsRetryableError(err)
}
