// Package saga records acquired resources and releases exactly that subset in
// reverse order of acquisition.
package saga

import (
	"fmt"
	"sync"
)

// StepError reports a failed undo.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("undo %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type step struct {
	name string
	undo func() error
}

// Saga is a stack of undo actions. The zero value is ready to use.
type Saga struct {
	mu    sync.Mutex
	steps []step
}

// Record pushes the undo action for a resource that was just acquired.
func (s *Saga) Record(name string, undo func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, undo: undo})
}

// Len returns the number of recorded steps not yet undone.
func (s *Saga) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Names returns recorded step names in acquisition order.
func (s *Saga) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.steps))
	for _, st := range s.steps {
		names = append(names, st.name)
	}
	return names
}

// Rollback runs every recorded undo in reverse order. Every step runs even
// when an earlier one fails. The stack is cleared, so a second call is a no-op.
func (s *Saga) Rollback() []error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].undo == nil {
			continue
		}
		if err := steps[i].undo(); err != nil {
			errs = append(errs, &StepError{Step: steps[i].name, Err: err})
		}
	}
	return errs
}
