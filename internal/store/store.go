// Package store persists conversations and messages.
//
// Conversation uniqueness is enforced by the UNIQUE (user_low, user_high)
// constraint; GetOrCreate inserts with conflict-ignore and re-reads, so two
// racing first sends between the same pair converge on one row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"directline/internal/model"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now     func() time.Time
	maxText int
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxTextLength limits message text to n bytes. n <= 0 disables the limit.
func WithMaxTextLength(n int) Option {
	return func(o *options) { o.maxText = n }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// timestamp returns the current time at the precision every dialect can
// round-trip.
func (o options) timestamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
