// Package quote provides upstream price source adapters. Each adapter maps
// one provider's response schema into model.NormalizedQuote; adapters share
// no state and are independently time-bounded.
package quote

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tokensim/trade-engine/internal/model"
)

// ErrNotListed means the upstream answered but has no data for the
// instrument. This is a valid "none" result, not a transient failure, and
// must not trip a circuit breaker.
var ErrNotListed = errors.New("quote: instrument not listed")

// DefaultTimeout bounds every upstream call.
const DefaultTimeout = 5 * time.Second

// Source fetches a quote for one instrument from one upstream provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, instrument string) (*model.NormalizedQuote, error)
}

// newHTTPClient returns a client with a hard per-request timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
