package app

import (
	"sync"
	"time"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// Quota is a sliding-window send limit per (user, provider). TryAcquire is an atomic
// check-and-increment, so concurrent workers never exceed the limit between them.
type Quota struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	logs map[core_domain.CredentialKey][]time.Time
}

func NewQuota(limit int, window time.Duration) *Quota {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Quota{limit: limit, window: window, logs: make(map[core_domain.CredentialKey][]time.Time)}
}

// TryAcquire takes one slot for key at now. When the window is full it returns false and
// the time at which the oldest slot frees up.
func (q *Quota) TryAcquire(key core_domain.CredentialKey, now time.Time) (bool, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	log := q.prune(key, now)
	if len(log) >= q.limit {
		return false, log[0].Add(q.window)
	}
	q.logs[key] = append(log, now)
	return true, time.Time{}
}

// Release returns a slot taken at the given time that did not lead to a send.
func (q *Quota) Release(key core_domain.CredentialKey, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	log := q.logs[key]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Equal(at) {
			q.logs[key] = append(log[:i], log[i+1:]...)
			return
		}
	}
}

// Used returns the slots taken for key inside the window ending at now.
func (q *Quota) Used(key core_domain.CredentialKey, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.prune(key, now))
}

func (q *Quota) prune(key core_domain.CredentialKey, now time.Time) []time.Time {
	log := q.logs[key]
	cutoff := now.Add(-q.window)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]
	if len(log) == 0 {
		delete(q.logs, key)
		return nil
	}
	q.logs[key] = log
	return log
}
