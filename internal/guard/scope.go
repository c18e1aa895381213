package guard

import (
	"errors"
	"sync"
)

var ErrScopeClosed = errors.New("guard scope closed")

// Do runs fn under a new guard. The guard is closed when fn returns nil
// and released when fn returns an error. If fn panics, or a failed Close
// leaves the guard active, the dirstate is restored before Do returns or
// the panic continues. A failed Release is returned as is and not retried.
func Do(repo Repository, label string, fn func(*Guard) error, opts ...Option) (err error) {
	g, err := New(repo, label, opts...)
	if err != nil {
		return err
	}

	released := false
	defer func() {
		if released {
			return
		}
		if aerr := g.abandon(); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}()

	if ferr := fn(g); ferr != nil {
		released = true
		if rerr := g.Release(); rerr != nil {
			return errors.Join(ferr, rerr)
		}
		return ferr
	}

	if g.Active() {
		return g.Close()
	}
	return nil
}

// Scope rolls back every guard it created that is still active when the
// scope closes, newest first. Typical use:
//
//	s := guard.NewScope(guard.WithLogger(logger))
//	defer s.Close()
type Scope struct {
	opts []Option

	mu     sync.Mutex
	guards []*Guard
	closed bool
}

func NewScope(opts ...Option) *Scope {
	return &Scope{opts: opts}
}

// New creates a guard owned by the scope. opts are applied after the
// scope's own options.
func (s *Scope) New(repo Repository, label string, opts ...Option) (*Guard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrScopeClosed
	}

	all := make([]Option, 0, len(s.opts)+len(opts))
	all = append(all, s.opts...)
	all = append(all, opts...)

	g, err := New(repo, label, all...)
	if err != nil {
		return nil, err
	}
	s.guards = append(s.guards, g)
	return g, nil
}

// Close restores every guard still active. All rollbacks are attempted;
// their failures are joined. Closing twice is a no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	guards := s.guards
	s.guards = nil
	s.mu.Unlock()

	var errs []error
	for i := len(guards) - 1; i >= 0; i-- {
		if err := guards[i].abandon(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
