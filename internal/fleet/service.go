// Package fleet owns the assignment and trip fields of vehicle and worker
// records. Every mutation reads, verifies and then writes the vehicle before
// the worker, each write an absolute value that is safe to repeat.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
	"github.com/ukydev/fleet-dispatch/internal/retry"
)

// Policy holds the odometer thresholds above which an operator must confirm
// the reading.
type Policy struct {
	StartAnomalyKm int
	FinishJumpKm   int
}

// DefaultPolicy returns the thresholds observed in the field: 1000 km above
// the vehicle odometer at start, 5000 km of trip distance at finish.
func DefaultPolicy() Policy {
	return Policy{StartAnomalyKm: 1000, FinishJumpKm: 5000}
}

// Service implements the Assignment Registry and the Trip Lifecycle.
type Service struct {
	store   db.Store
	policy  Policy
	retrier *retry.Retrier
	log     log.FieldLogger
	now     func() time.Time
	newID   func() string

	// mu serializes mutations within this process. Writers in other
	// processes can still interleave between the read and the write.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the odometer confirmation thresholds.
func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

// WithRetrier sets the retrier used for every store call.
func WithRetrier(r *retry.Retrier) Option { return func(s *Service) { s.retrier = r } }

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option { return func(s *Service) { s.log = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDGenerator sets the trip id generator.
func WithIDGenerator(gen func() string) Option { return func(s *Service) { s.newID = gen } }

// NewService creates a Service on store.
func NewService(store db.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: DefaultPolicy(),
		log:    log.StandardLogger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retrier == nil {
		cfg := retry.DefaultConfig()
		cfg.Retryable = db.IsRetryable
		s.retrier = retry.New(cfg, s.log)
	}
	return s
}

// Policy returns the active thresholds.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) loadVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := s.read(ctx, db.VehiclePath(id), &v); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVehicleNotFound, id)
		}
		return nil, err
	}
	if v.ID == "" {
		v.ID = id
	}
	return &v, nil
}

func (s *Service) loadWorker(ctx context.Context, id string) (*models.Worker, error) {
	var w models.Worker
	if err := s.read(ctx, db.WorkerPath(id), &w); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		return nil, err
	}
	if w.ID == "" {
		w.ID = id
	}
	return &w, nil
}

func (s *Service) read(ctx context.Context, path string, out interface{}) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.store.Get(ctx, path, out)
	})
	if err == nil || errors.Is(err, db.ErrNotFound) {
		return err
	}
	return fmt.Errorf("read %s: %w: %v", path, db.ErrUnavailable, err)
}

// merge writes fields to path, retrying the same payload. An error means the
// write may or may not have landed.
func (s *Service) merge(ctx context.Context, path string, fields bson.M) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.store.Merge(ctx, path, fields)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %v", path, db.ErrIndeterminate, err)
	}
	return nil
}

func (s *Service) set(ctx context.Context, path string, value interface{}) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.store.Set(ctx, path, value)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %v", path, db.ErrIndeterminate, err)
	}
	return nil
}
