package writeback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-relay/core"
	"collab-relay/metrics"

	"github.com/sirupsen/logrus"
)

// Persister writes a batch of positions to the system of record.
type Persister interface {
	PatchPositions(ctx context.Context, entries []core.PendingPosition) error
}

type roomState struct {
	timer    *time.Timer
	gen      uint64
	flushing bool
	// rerun is set when the debounce timer fires while a flush is still running.
	rerun bool
}

// Scheduler debounces position write-back per room. A room's pending entries are
// cleared only after the backend accepted them; on failure they stay pending until
// the next edit schedules another flush or FlushAll runs at shutdown.
type Scheduler struct {
	store     *PendingStore
	persister Persister
	quiet     time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	rooms    map[string]*roomState
	closed   bool
	inflight int
	drained  chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithFlushTimeout bounds a single timer-driven persistence call.
func WithFlushTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func NewScheduler(store *PendingStore, persister Persister, quiet time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:     store,
		persister: persister,
		quiet:     quiet,
		timeout:   10 * time.Second,
		rooms:     make(map[string]*roomState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule (re)starts the quiet period for roomID. Repeated calls keep pushing
// the flush back.
func (s *Scheduler) Schedule(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.armLocked(roomID)
}

func (s *Scheduler) armLocked(roomID string) {
	st, ok := s.rooms[roomID]
	if !ok {
		st = &roomState{}
		s.rooms[roomID] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(s.quiet, func() {
		s.fire(roomID, gen)
	})
}

func (s *Scheduler) fire(roomID string, gen uint64) {
	s.mu.Lock()
	st, ok := s.rooms[roomID]
	if !ok || st.gen != gen {
		// superseded by a later Schedule
		s.mu.Unlock()
		return
	}
	st.timer = nil
	if st.flushing {
		st.rerun = true
		s.mu.Unlock()
		return
	}
	st.flushing = true
	s.inflight++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_ = s.flush(ctx, roomID)
}

// flush persists what is pending for roomID. The caller must have marked the room
// as flushing and counted it in inflight.
func (s *Scheduler) flush(ctx context.Context, roomID string) error {
	defer s.finish(roomID)

	log := logrus.WithField("room_id", roomID)
	batch := s.store.Drain(roomID)
	if batch.Len() == 0 {
		return nil
	}

	if err := s.persister.PatchPositions(ctx, batch.Entries); err != nil {
		s.metrics.Flush(false, batch.Len())
		log.WithError(err).WithField("positions", batch.Len()).Warn("position write-back failed, keeping entries pending")
		return fmt.Errorf("flush room %s: %w", roomID, err)
	}

	s.store.Clear(roomID, batch)
	s.metrics.Flush(true, batch.Len())
	log.WithField("positions", batch.Len()).Debug("positions written back")
	return nil
}

func (s *Scheduler) finish(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inflight--
	if s.inflight == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}

	st, ok := s.rooms[roomID]
	if !ok {
		return
	}
	st.flushing = false
	switch {
	case st.rerun && !s.closed:
		st.rerun = false
		s.armLocked(roomID)
	case st.timer == nil:
		delete(s.rooms, roomID)
	}
}

// FlushAll cancels every pending timer and immediately flushes all rooms that have
// pending entries. It waits for flushes already in flight first.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	for _, st := range s.rooms {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.gen++
		st.rerun = false
	}
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return err
	}

	var errs []error
	for _, roomID := range s.store.Rooms() {
		s.mu.Lock()
		st, ok := s.rooms[roomID]
		if !ok {
			st = &roomState{}
			s.rooms[roomID] = st
		}
		if st.flushing {
			s.mu.Unlock()
			continue
		}
		st.flushing = true
		s.inflight++
		s.mu.Unlock()

		if err := s.flush(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop refuses further scheduling and flushes everything still pending.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.FlushAll(ctx)
}

func (s *Scheduler) wait(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	done := s.drained
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduled reports whether roomID has an armed debounce timer.
func (s *Scheduler) scheduled(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	return ok && st.timer != nil
}
