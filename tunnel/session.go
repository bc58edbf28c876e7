package tunnel

import (
	"context"
	"sync"
)

// Session is one live tunnel. Ready is closed once the tunnel is either
// established or has failed, after which Err reports the outcome.
type Session struct {
	info   Info
	server Endpoint

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	closer   func() error
	closeErr error
	onClose  []func(*Session)
}

// NewSession creates a pending session. Factories complete it with
// MarkConnected or MarkFailed.
func NewSession(server Endpoint, info Info) *Session {
	return &Session{
		info:   info,
		server: server,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Info returns the descriptor the session was started with.
func (s *Session) Info() Info {
	return s.info
}

// Server returns the endpoint the tunnel runs through.
func (s *Session) Server() Endpoint {
	return s.server
}

// Ready is closed when connection establishment finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the establishment error, nil while pending or when connected.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session is ready or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetCloser installs the function that tears the tunnel down.
func (s *Session) SetCloser(fn func() error) {
	s.mu.Lock()
	s.closer = fn
	s.mu.Unlock()
}

// OnClose registers fn to run once after the session is disconnected.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		go fn(s)
	default:
		s.onClose = append(s.onClose, fn)
	}
}

// MarkConnected completes the connect signal successfully.
func (s *Session) MarkConnected() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// MarkFailed completes the connect signal with err and disconnects.
func (s *Session) MarkFailed(err error) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ready)
	})
	_ = s.Disconnect()
}

// Disconnect tears the tunnel down. Repeated calls return the first result.
func (s *Session) Disconnect() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		closer := s.closer
		s.mu.Unlock()

		var err error
		if closer != nil {
			err = closer()
		}

		s.mu.Lock()
		s.closeErr = err
		hooks := s.onClose
		s.onClose = nil
		close(s.done)
		s.mu.Unlock()

		// A session torn down before connecting never becomes ready
		s.readyOnce.Do(func() {
			s.mu.Lock()
			if s.err == nil {
				s.err = context.Canceled
			}
			s.mu.Unlock()
			close(s.ready)
		})

		for _, fn := range hooks {
			fn(s)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}
