package realm

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Well-known shared state keys.
const (
	KeyLoadedUsername   = "realm.loaded_username"
	KeySkipGroupLoading = "realm.skip_group_loading"
	KeyConnection       = "realm.connection"
	KeyVerifiedIdentity = "realm.verified_identity"
)

// SharedState carries per-request data from the authentication step to the
// group loading step of one authentication attempt. A SharedState is created
// for each attempt and closed when the attempt ends.
type SharedState struct {
	id uuid.UUID

	mu      sync.Mutex
	values  map[string]any
	closers []io.Closer
	closed  bool
}

// NewSharedState creates an empty state with a fresh request ID.
func NewSharedState() *SharedState {
	return &SharedState{
		id:     uuid.New(),
		values: make(map[string]any),
	}
}

// ID identifies the request in logs and traces.
func (s *SharedState) ID() string {
	return s.id.String()
}

// Get returns the value stored under key.
func (s *SharedState) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *SharedState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key.
func (s *SharedState) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// LoadedUsername returns the canonical username found during authentication,
// or "" when the supplied name was kept.
func (s *SharedState) LoadedUsername() string {
	v, _ := s.Get(KeyLoadedUsername)
	name, _ := v.(string)
	return name
}

// SetLoadedUsername records the canonical username found during authentication.
func (s *SharedState) SetLoadedUsername(name string) {
	s.Set(KeyLoadedUsername, name)
}

// SkipGroupLoading reports whether group loading was disabled for this request.
func (s *SharedState) SkipGroupLoading() bool {
	v, _ := s.Get(KeySkipGroupLoading)
	skip, _ := v.(bool)
	return skip
}

// SetSkipGroupLoading disables group loading for this request.
func (s *SharedState) SetSkipGroupLoading(skip bool) {
	s.Set(KeySkipGroupLoading, skip)
}

// OnClose registers c to be closed when the request ends. Closers run in
// reverse registration order. Registering on a closed state closes c at once.
func (s *SharedState) OnClose(c io.Closer) {
	s.mu.Lock()
	if !s.closed {
		s.closers = append(s.closers, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = c.Close()
}

// Close ends the request and closes every registered closer.
func (s *SharedState) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
