package bioverse

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of one resolution. On success Record is set and Trail
// holds the candidates that failed before the winner; on failure Trail holds
// every candidate tried, in order.
type Outcome struct {
	Identifier Identifier
	Record     *StructureRecord
	Trail      []Attempt
	cause      error
}

func (o Outcome) OK() bool { return o.Record != nil }

// Err returns nil on success and a *ResolutionError otherwise.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	cause := o.cause
	if cause == nil {
		cause = ErrExhausted
	}
	return &ResolutionError{Identifier: o.Identifier.Raw, Trail: o.Trail, Cause: cause}
}

// Resolver tries adapters strictly in order and stops at the first validated
// payload. Adapters are never raced.
type Resolver struct {
	adapters  []Adapter
	validator Validator
	ttl       time.Duration
	now       func() time.Time
}

// NewResolver returns a resolver over adapters, which must already be in
// priority order. Records it builds expire after ttl.
func NewResolver(adapters []Adapter, v Validator, ttl time.Duration) *Resolver {
	return &Resolver{adapters: adapters, validator: v, ttl: ttl, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, id Identifier) Outcome {
	out := Outcome{Identifier: id}
	if id.Raw == "" {
		out.cause = ErrEmptyIdentifier
		return out
	}
	rid := uuid.NewString()[:8]
	start := time.Now()

	for _, a := range r.adapters {
		if err := ctx.Err(); err != nil {
			out.cause = err
			break
		}
		f, trail, err := a.Fetch(ctx, id)
		out.Trail = append(out.Trail, trail...)
		if errors.Is(err, ErrNoCandidates) {
			continue
		}
		for _, t := range trail {
			log.Printf("resolve[%s]: %s: %s", rid, id.Raw, t)
		}
		if err != nil {
			if ctx.Err() != nil {
				out.cause = ctx.Err()
				break
			}
			continue
		}

		rec, err := newStructureRecord(id, f, r.validator, r.now(), r.ttl)
		if err != nil {
			out.Trail = append(out.Trail, failedAttempt(Candidate{Provider: f.Provider, URL: f.URL}, 1, err))
			log.Printf("resolve[%s]: %s: %s rejected payload from %s: %v", rid, id.Raw, f.Provider, f.URL, err)
			continue
		}
		out.Record = &rec
		log.Printf("resolve[%s]: %s resolved by %s (%s, %d bytes) in %s",
			rid, id.Raw, f.Provider, f.URL, len(f.Payload), time.Since(start).Round(time.Millisecond))
		return out
	}

	log.Printf("resolve[%s]: %s failed after %d attempts in %s", rid, id.Raw, len(out.Trail), time.Since(start).Round(time.Millisecond))
	return out
}
