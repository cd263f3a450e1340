// Package transport implements one logical connection to one cluster
// member: connect, send a request, wait for its matching reply, and surface
// connection loss so the caller can pick a different endpoint.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Send when the peer closed the connection before
// replying, or the session was explicitly closed. The session is unusable
// afterwards; the caller must Open a new one.
var ErrClosed = errors.New("transport: session closed")

// maxFrameSize bounds a single frame so a misbehaving peer can't make us
// allocate unboundedly; well beyond anything a configuration or tree RPC body
// should need.
const maxFrameSize = 16 << 20

// Session maintains one net.Conn to one endpoint. Requests are serialized:
// at most one is outstanding at a time, matching the original protocol's "one
// connection, one in-flight call" contract. Concurrent callers each acquire
// the lock in turn rather than racing the wire.
type Session struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Open resolves and connects to addr, returning a ready-to-use Session.
func Open(ctx context.Context, addr string) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		defaultMetrics.openErrorsTotal.Add(1)
		return nil, fmt.Errorf("transport: connect to %s: %w", addr, err)
	}
	defaultMetrics.opensTotal.Add(1)
	return &Session{conn: conn}, nil
}

// Send writes one length-prefixed request frame and waits for the matching
// length-prefixed reply. If the peer closes the connection (EOF or reset)
// before replying — including immediately after accepting the connection,
// the "server not listening" case — Send returns ErrClosed and the session
// becomes unusable.
func (s *Session) Send(ctx context.Context, req []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(s.conn, req); err != nil {
		s.closeLocked()
		return nil, s.classify(err)
	}

	resp, err := readFrame(s.conn)
	if err != nil {
		s.closeLocked()
		return nil, s.classify(err)
	}
	defaultMetrics.sendsTotal.Add(1)
	defaultMetrics.sendBytesTotal.Add(uint64(len(req) + len(resp)))
	return resp, nil
}

// classify turns a connection failure into ErrClosed whenever it looks like
// the peer hung up rather than a local/transient problem — the same
// EOF-or-reset check meshage's client uses to detect a vanished peer.
func (s *Session) classify(err error) error {
	if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "connection reset by peer") {
		defaultMetrics.closedTotal.Add(1)
		return ErrClosed
	}
	defaultMetrics.sendErrorsTotal.Add(1)
	return fmt.Errorf("transport: %w", err)
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
