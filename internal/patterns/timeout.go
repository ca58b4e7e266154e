package patterns

import (
	"context"
	"time"
)

// WithTimeout creates a context with timeout for fail-fast behavior
func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// DefaultTimeout is the default timeout for HTTP requests
const DefaultTimeout = 3 * time.Second

// GatewayTimeout bounds the gateway's synchronous push acknowledgment,
// distinct from its push-to-phone window which is covered by the expiry sweep.
const GatewayTimeout = 10 * time.Second
