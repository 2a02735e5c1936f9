package gpio

import (
	"fmt"
	"sync"
)

// Sim is an in-memory line usable as both [Output] and [Input].
type Sim struct {
	mu      sync.Mutex
	name    string
	value   bool
	history []bool
	err     error
	closed  bool
}

// NewSim returns a simulated line holding initial.
func NewSim(name string, initial bool) *Sim {
	return &Sim{name: name, value: initial}
}

// Set records and applies the new state.
func (s *Sim) Set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	s.value = on
	s.history = append(s.history, on)
	return nil
}

// Get returns the current state.
func (s *Sim) Get() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return false, err
	}
	return s.value, nil
}

func (s *Sim) failure() error {
	if s.closed {
		return fmt.Errorf("gpio: sim line %s released", s.name)
	}
	return s.err
}

// Force changes the state without recording it, as an external signal
// would (e.g. a relay toggled by its own push button).
func (s *Sim) Force(on bool) {
	s.mu.Lock()
	s.value = on
	s.mu.Unlock()
}

// Fail makes subsequent Set and Get calls return err (nil clears it).
func (s *Sim) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// History returns every state passed to Set, oldest first.
func (s *Sim) History() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.history...)
}

// Closed reports whether Close was called.
func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the line released.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
