package main

import (
	"sync"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// sessionEntry serializes requests against one settlement session.
type sessionEntry struct {
	mu         sync.Mutex
	id         string
	businessId string
	session    *settlement.Session
	discarded  atomic.Bool
}

// sessionRegistry keeps open settlement sessions in memory. Sessions are
// transient: a restart discards them and the operator starts over. Idle
// sessions expire after ttl; every get restarts the clock.
type sessionRegistry struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, *sessionEntry]
}

// newSessionRegistry holds at most size sessions, dropping the least recently
// used one when full. size 0 means unbounded.
func newSessionRegistry(size int, ttl time.Duration) *sessionRegistry {
	return &sessionRegistry{
		entries: expirable.NewLRU[string, *sessionEntry](size, onSessionEvicted, ttl),
	}
}

func onSessionEvicted(id string, e *sessionEntry) {
	if e.discarded.Load() {
		return
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "sessionRegistry",
		"session_id":  id,
		"business_id": e.businessId,
	}).Info("settlement session evicted")
}

func (r *sessionRegistry) add(businessId string, s *settlement.Session) *sessionEntry {
	e := &sessionEntry{
		id:         uuid.NewString(),
		businessId: businessId,
		session:    s,
	}
	r.mu.Lock()
	r.entries.Add(e.id, e)
	r.mu.Unlock()
	return e
}

// get returns the entry only to the business that opened it.
func (r *sessionRegistry) get(businessId string, id string) (*sessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.Get(id)
	if !ok || e.businessId != businessId {
		return nil, settlement.NewNotFoundError("settlement session", id)
	}
	// re-adding moves the expiry forward
	r.entries.Add(id, e)
	return e, nil
}

func (r *sessionRegistry) remove(businessId string, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.Peek(id)
	if !ok || e.businessId != businessId {
		return false
	}
	e.discarded.Store(true)
	return r.entries.Remove(id)
}

func (r *sessionRegistry) count() int {
	return r.entries.Len()
}
