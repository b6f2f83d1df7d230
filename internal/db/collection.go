package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrNotFound is returned when no record exists at a path.
	ErrNotFound = errors.New("record not found")
	// ErrIndeterminate is returned when a write could not be confirmed.
	ErrIndeterminate = errors.New("write outcome indeterminate")
	// ErrInvalidPath is returned for empty or malformed record paths.
	ErrInvalidPath = errors.New("invalid record path")
	// ErrUnavailable is returned when the store could not be read.
	ErrUnavailable = errors.New("record store unavailable")
)

// IsRetryable reports whether a store error may succeed on another attempt.
// Missing records, bad paths and cancelled contexts never will.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidPath),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Store is a key-path document store. Paths are slash separated, for example
// "vehicles/v1". A path addresses one record; the same path is also the parent
// of the records one segment below it.
type Store interface {
	// Get decodes the record at path into out.
	Get(ctx context.Context, path string, out interface{}) error
	// Set overwrites the whole record at path.
	Set(ctx context.Context, path string, value interface{}) error
	// Merge sets the given top-level fields, leaving the others untouched.
	// A nil value stores null.
	Merge(ctx context.Context, path string, fields bson.M) error
	// Subscribe calls fn with the current snapshot of path right away and
	// again after every change to the record or its direct children.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error)
}

// Subscription is the handle returned by Subscribe. The caller that opened it
// owns it and must Close it.
type Subscription struct {
	once sync.Once
	stop func()
}

func newSubscription(stop func()) *Subscription {
	return &Subscription{stop: stop}
}

// Close stops deliveries. Calls after the first are no-ops.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.stop)
}

// Join builds a record path from its segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the path one segment above p, or "" for a top-level path.
func Parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Base returns the last segment of p.
func Base(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

func validatePath(p string) error {
	if p == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || strings.ContainsAny(seg, ".$") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}

func validateFields(fields bson.M) error {
	for k := range fields {
		if k == "" || strings.ContainsAny(k, ".$") {
			return fmt.Errorf("invalid field name %q", k)
		}
	}
	return nil
}
