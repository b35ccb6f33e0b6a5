package bioverse

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds repeated attempts against one URL. It never moves on to
// another provider; that is the resolver's job.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff wait. Zero means uncapped.
	MaxDelay time.Duration
	// AttemptTimeout bounds each try so a hung provider cannot stall a resolution.
	AttemptTimeout time.Duration
}

// withRetry runs op until it succeeds, fails definitively, or MaxAttempts tries
// were made. Before try n+1 it waits BaseDelay * 2^(n-1). It returns the number
// of tries made.
func withRetry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	var out T
	tries := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		v, err := op(actx)
		if err == nil {
			out = v
			return nil
		}
		// The caller gave up; a retry cannot help.
		if ctx.Err() != nil {
			return err
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return out, tries, err
}

// isTransient reports whether err is worth another try against the same URL:
// timeouts, dropped or refused connections, 5xx, 408 and 429. Other transport
// failures (bad scheme, certificate errors, redirect policy) are definitive.
func isTransient(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrPayloadTooLarge) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// TLS alerts are also *net.OpError ("remote error"); only socket-level
	// operations are worth repeating.
	var oe *net.OpError
	if errors.As(err, &oe) && (oe.Op == "dial" || oe.Op == "read" || oe.Op == "write") {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
