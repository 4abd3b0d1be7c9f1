package netcode

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Startup is resolved once the transport is started or failed to start.
type Startup struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newStartup() *Startup {
	return &Startup{
		done: make(chan struct{}),
	}
}

func failedStartup(err error) *Startup {
	s := newStartup()
	s.resolve(err)
	return s
}

func (s *Startup) resolve(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done is closed when startup is resolved.
func (s *Startup) Done() <-chan struct{} {
	return s.done
}

// Err returns the startup error. It is valid after Done is closed.
func (s *Startup) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait waits until startup is resolved and returns its error.
func (s *Startup) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-s.done:
		return s.err
	}
}
