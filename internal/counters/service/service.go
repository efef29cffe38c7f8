package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ms-counters/internal/apperrors"
	"ms-counters/internal/counters/db"
	"ms-counters/internal/logger"
	"ms-counters/internal/models"

	"github.com/uptrace/bun"
)

const (
	MsgEventNameRequired   = "Event name is required and must be a non-empty string."
	MsgCounterNameRequired = "Counter name is required."
	MsgInvalidChange       = "Invalid change value. Must be 1 or -1."
	MsgEventNotFound       = "Event not found."
	MsgCounterNotFound     = "Counter not found or does not belong to the event."
	MsgLastCounter         = "Cannot delete the last counter."
)

// Store is the transactional persistence the service runs mutations against.
// *db.DB implements it.
type Store interface {
	WithTx(ctx context.Context, fn db.TxFunc, afterCommit func()) error
	Ping(ctx context.Context) error
	ListEvents(ctx context.Context) ([]models.Event, error)
	InsertEvent(ctx context.Context, idb bun.IDB, name string) (*models.Event, error)
	EventExists(ctx context.Context, idb bun.IDB, eventID int64) (bool, error)
	LockEvent(ctx context.Context, idb bun.IDB, eventID int64) error
	DeleteEvent(ctx context.Context, idb bun.IDB, eventID int64) (int64, error)
	DeleteCountersByEvent(ctx context.Context, idb bun.IDB, eventID int64) (int64, error)
	InsertCounter(ctx context.Context, idb bun.IDB, eventID int64, name string) (*models.Counter, error)
	CountCounters(ctx context.Context, idb bun.IDB, eventID int64) (int, error)
	DeleteCounter(ctx context.Context, idb bun.IDB, eventID, counterID int64) (int64, error)
	AdjustCount(ctx context.Context, idb bun.IDB, eventID, counterID, delta int64) (*models.Counter, error)
}

// Broadcaster delivers a committed change to live subscribers.
type Broadcaster interface {
	Broadcast(eventType models.StreamEventType, payload any) int
}

// ChangeFeed mirrors committed changes to an external topic.
type ChangeFeed interface {
	Publish(ctx context.Context, eventType models.StreamEventType, eventID int64, payload any) error
}

// SnapshotCache caches the event listing between commits.
type SnapshotCache interface {
	Load(ctx context.Context, fetch func(context.Context) ([]models.Event, error)) ([]models.Event, error)
	Invalidate(ctx context.Context) error
}

type Option func(*CounterService)

func WithChangeFeed(feed ChangeFeed) Option {
	return func(s *CounterService) { s.feed = feed }
}

func WithSnapshotCache(cache SnapshotCache) Option {
	return func(s *CounterService) { s.cache = cache }
}

// CounterService runs every state change as one transaction and announces it
// only after the transaction committed.
type CounterService struct {
	store       Store
	broadcaster Broadcaster
	feed        ChangeFeed
	cache       SnapshotCache
	log         *logger.Logger
	locks       eventLocks
}

// eventLocks orders mutations of one event inside this process. A lock is held
// from the start of the transaction until announce returns, so subscribers
// see changes to an event in commit order.
type eventLocks struct {
	stripes [64]sync.Mutex
}

func (l *eventLocks) lock(eventID int64) (unlock func()) {
	m := &l.stripes[uint64(eventID)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}

func New(store Store, broadcaster Broadcaster, log *logger.Logger, opts ...Option) *CounterService {
	if log == nil {
		log = logger.NewNop()
	}
	s := &CounterService{store: store, broadcaster: broadcaster, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports whether the store is reachable.
func (s *CounterService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListEvents returns all events, newest first, with their counters.
func (s *CounterService) ListEvents(ctx context.Context) ([]models.Event, error) {
	if s.cache != nil {
		return s.cache.Load(ctx, s.store.ListEvents)
	}
	return s.store.ListEvents(ctx)
}

// CreateEvent creates the event together with its default counter.
func (s *CounterService) CreateEvent(ctx context.Context, name string) (*models.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("name", MsgEventNameRequired)
	}
	ctx = context.WithoutCancel(ctx)

	var event *models.Event
	err := s.store.WithTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		var err error
		if event, err = s.store.InsertEvent(ctx, tx, name); err != nil {
			return err
		}
		counter, err := s.store.InsertCounter(ctx, tx, event.ID, models.DefaultCounterName)
		if err != nil {
			return err
		}
		event.Counters = []models.Counter{*counter}
		return nil
	}, func() {
		s.announce(ctx, models.StreamEventAdded, event.ID, event)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("SERVICE", fmt.Sprintf("Created event %d (%q)", event.ID, event.Name))
	return event, nil
}

// DeleteEvent deletes the event and all of its counters.
func (s *CounterService) DeleteEvent(ctx context.Context, eventID int64) error {
	ctx = context.WithoutCancel(ctx)
	defer s.locks.lock(eventID)()
	payload := models.EventRemovedPayload{EventID: eventID}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		if _, err := s.store.DeleteCountersByEvent(ctx, tx, eventID); err != nil {
			return err
		}
		n, err := s.store.DeleteEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.NewNotFoundError("event", eventID, MsgEventNotFound)
		}
		return nil
	}, func() {
		s.announce(ctx, models.StreamEventRemoved, eventID, payload)
	})
	if err != nil {
		return err
	}

	s.log.Info("SERVICE", fmt.Sprintf("Deleted event %d", eventID))
	return nil
}

// AddCounter adds a zeroed counter to an existing event.
func (s *CounterService) AddCounter(ctx context.Context, eventID int64, name string) (*models.Counter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("name", MsgCounterNameRequired)
	}
	ctx = context.WithoutCancel(ctx)
	defer s.locks.lock(eventID)()

	var counter *models.Counter
	err := s.store.WithTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		exists, err := s.store.EventExists(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if !exists {
			return apperrors.NewNotFoundError("event", eventID, MsgEventNotFound)
		}
		counter, err = s.store.InsertCounter(ctx, tx, eventID, name)
		return err
	}, func() {
		s.announce(ctx, models.StreamCounterAdded, eventID, counter)
	})
	if err != nil {
		return nil, err
	}
	return counter, nil
}

// DeleteCounter removes a counter unless it is the last one of its event.
// The event row is locked first, so two deletions racing on a two-counter
// event can not both pass the count check.
func (s *CounterService) DeleteCounter(ctx context.Context, eventID, counterID int64) error {
	ctx = context.WithoutCancel(ctx)
	defer s.locks.lock(eventID)()
	payload := models.CounterRemovedPayload{EventID: eventID, CounterID: counterID}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		if err := s.store.LockEvent(ctx, tx, eventID); err != nil {
			return err
		}
		count, err := s.store.CountCounters(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if count <= 1 {
			return apperrors.NewInvariantViolation("last-counter", MsgLastCounter)
		}
		n, err := s.store.DeleteCounter(ctx, tx, eventID, counterID)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.NewNotFoundError("counter", counterID, MsgCounterNotFound)
		}
		return nil
	}, func() {
		s.announce(ctx, models.StreamCounterRemoved, eventID, payload)
	})
	if err != nil {
		return err
	}

	s.log.Info("SERVICE", fmt.Sprintf("Deleted counter %d of event %d", counterID, eventID))
	return nil
}

// AdjustCounter adds delta (1 or -1) to the counter, never going below zero.
func (s *CounterService) AdjustCounter(ctx context.Context, eventID, counterID, delta int64) (*models.Counter, error) {
	if delta != 1 && delta != -1 {
		return nil, apperrors.NewValidationError("change", MsgInvalidChange)
	}
	ctx = context.WithoutCancel(ctx)
	defer s.locks.lock(eventID)()

	var counter *models.Counter
	err := s.store.WithTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		var err error
		counter, err = s.store.AdjustCount(ctx, tx, eventID, counterID, delta)
		if err != nil {
			return err
		}
		if counter == nil {
			return apperrors.NewNotFoundError("counter", counterID, MsgCounterNotFound)
		}
		return nil
	}, func() {
		s.announce(ctx, models.StreamCounterUpdated, eventID, counter)
	})
	if err != nil {
		return nil, err
	}
	return counter, nil
}

// announce runs after commit. The cache is invalidated before subscribers
// hear about the change so a client refetching on the broadcast sees it.
// Nothing here can fail the mutation.
func (s *CounterService) announce(ctx context.Context, eventType models.StreamEventType, eventID int64, payload any) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.Warn("CACHE", fmt.Sprintf("Invalidate after %s failed: %v", eventType, err))
		}
	}

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(eventType, payload)
	}

	if s.feed != nil {
		if err := s.feed.Publish(ctx, eventType, eventID, payload); err != nil {
			s.log.Warn("KAFKA", fmt.Sprintf("Change feed publish failed: %v", err))
		}
	}
}
