package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
)

// bufferedConn replays bytes the proxy sent after its response before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	rest []byte
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if len(c.rest) > 0 {
		n := copy(p, c.rest)
		c.rest = c.rest[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

type bufferedStream struct {
	io.ReadWriteCloser
	rest []byte
}

func (s *bufferedStream) Read(p []byte) (int, error) {
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		return n, nil
	}
	return s.ReadWriteCloser.Read(p)
}

// withRest returns rw unchanged when nothing is left over. A net.Conn stays
// a net.Conn.
func withRest(rw io.ReadWriteCloser, rest []byte) io.ReadWriteCloser {
	if len(rest) == 0 {
		return rw
	}
	if c, ok := rw.(net.Conn); ok {
		return &bufferedConn{Conn: c, rest: rest}
	}
	return &bufferedStream{ReadWriteCloser: rw, rest: rest}
}

// readErrors remembers the last transport error so it can be told apart from
// a malformed response.
type readErrors struct {
	r   io.Reader
	err error
}

func (r *readErrors) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

// closeOnDone closes c when ctx is done, unblocking any pending I/O. The
// returned stop function ends the watch and reports whether c was closed.
func closeOnDone(ctx context.Context, c io.Closer) (stop func() bool) {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	done := make(chan struct{})
	closed := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
			closed <- true
		case <-done:
			closed <- false
		}
	}()
	var once sync.Once
	var result bool
	return func() bool {
		once.Do(func() {
			close(done)
			result = <-closed
		})
		return result
	}
}

// Result is the completion handle of an asynchronous negotiation. It is
// completed exactly once.
type Result struct {
	done chan struct{}
	once sync.Once
	conn io.ReadWriteCloser
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// complete sets the outcome. Only the first call has any effect.
func (r *Result) complete(conn io.ReadWriteCloser, err error) bool {
	set := false
	r.once.Do(func() {
		r.conn, r.err = conn, err
		close(r.done)
		set = true
	})
	return set
}

// Done is closed once the negotiation finished.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Conn returns the tunneled stream, or nil if the negotiation failed or has
// not finished.
func (r *Result) Conn() io.ReadWriteCloser {
	select {
	case <-r.done:
		return r.conn
	default:
		return nil
	}
}

// Err returns the failure, or nil if the negotiation succeeded or has not
// finished.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the negotiation finished or ctx is done.
func (r *Result) Wait(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-r.done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
