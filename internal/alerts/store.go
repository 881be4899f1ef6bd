package alerts

import (
	"sync"
	"time"

	"civicbeacon/internal/model"
)

// Store is a bounded ring of operator alerts: hardware channel failures,
// dropped messages, storage pressure. Oldest entries fall off first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.OperatorAlert
	limit int

	onAdd func(model.OperatorAlert)
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

// Notify registers a sink invoked for every stored alert, outside the lock.
// Set before the pipeline starts.
func (s *Store) Notify(fn func(model.OperatorAlert)) {
	s.onAdd = fn
}

func (s *Store) Add(alert model.OperatorAlert) {
	s.mu.Lock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
	} else {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = alert
	}
	s.mu.Unlock()
	if s.onAdd != nil {
		s.onAdd(alert)
	}
}

func (s *Store) List(limit int) []model.OperatorAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.OperatorAlert, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.OperatorAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OperatorAlert, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
