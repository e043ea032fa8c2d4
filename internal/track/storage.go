package track

import (
	"sync"
	"time"
)

// syncedRequests is the registry's token index. Only membership is
// synchronized here; request internals belong to their owning contexts.
type syncedRequests struct {
	mu sync.RWMutex
	m  map[Token]*Request
}

func newSyncedRequests() syncedRequests {
	return syncedRequests{m: make(map[Token]*Request)}
}

func (s *syncedRequests) get(token Token) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.m[token]
	return req, ok
}

// putIfAbsent inserts req for token unless a request already exists; the
// second return reports whether an existing request was kept.
func (s *syncedRequests) putIfAbsent(token Token, req *Request) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[token]; ok {
		return existing, true
	}
	s.m[token] = req
	return req, false
}

func (s *syncedRequests) remove(token Token) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.m[token]
	if ok {
		delete(s.m, token)
	}
	return req, ok
}

// removeOlderThan removes and returns every request older than ttl.
func (s *syncedRequests) removeOlderThan(now time.Time, ttl time.Duration) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Request
	for token, req := range s.m {
		if req.Age(now) > ttl {
			stale = append(stale, req)
			delete(s.m, token)
		}
	}
	return stale
}

func (s *syncedRequests) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
