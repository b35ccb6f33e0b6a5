package bioverse

import (
	"log"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages logged less than interval after the last
// one it printed. The first message is always printed.
type rateLimitedLogger struct {
	s rate.Sometimes
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{s: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.s.Do(func() { log.Printf(format, args...) })
}
