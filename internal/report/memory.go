package report

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("report store closed")

// Timer is the subset of *time.Timer used by MemoryStore.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type MemoryConfig struct {
	Retention time.Duration
	Scheduler Scheduler
	Now       func() time.Time
}

type memoryEntry struct {
	report Report
	timer  Timer
}

// MemoryStore keeps reports in process memory. Each report owns a timer that
// deletes it when its retention elapses.
type MemoryStore struct {
	retention time.Duration
	sched     Scheduler
	now       func() time.Time

	mu      sync.Mutex
	reports map[string]*memoryEntry
	closed  bool
}

func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryStore{
		retention: cfg.Retention,
		sched:     cfg.Scheduler,
		now:       cfg.Now,
		reports:   make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) Submit(_ context.Context, sub Submission) (string, error) {
	if !ValidSnippetHash(sub.SnippetHash) {
		return "", ErrInvalidSnippetHash
	}
	r := newReport(sub, s.now(), s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	entry := &memoryEntry{report: r}
	entry.timer = s.sched.AfterFunc(s.retention, func() { s.expire(r.ID, entry) })
	s.reports[r.ID] = entry
	return r.ID, nil
}

func (s *MemoryStore) expire(id string, entry *memoryEntry) {
	s.mu.Lock()
	if s.reports[id] == entry {
		delete(s.reports, id)
	}
	s.mu.Unlock()
}

func (s *MemoryStore) Lookup(_ context.Context, id string) (Report, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.reports[id]
	if !ok {
		return Report{}, false, nil
	}
	return entry.report, true, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports), nil
}

// Close stops all pending expiry timers and drops every report.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, entry := range s.reports {
		entry.timer.Stop()
		delete(s.reports, id)
	}
	return nil
}
