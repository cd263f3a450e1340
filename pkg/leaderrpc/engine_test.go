package leaderrpc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raftcabin/cabin/pkg/addr"
	"github.com/raftcabin/cabin/pkg/wire"
)

// fakeServer runs a one-shot scriptable listener: handle is invoked once per
// accepted connection with the request frame read from it, and writes any
// reply to conn itself; the connection is closed once handle returns.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(t *testing.T, handle func(conn net.Conn, reqFrame []byte)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var hdr [4]byte
				if _, err := readFull(conn, hdr[:]); err != nil {
					return
				}
				n := be32(hdr[:])
				buf := make([]byte, n)
				if _, err := readFull(conn, buf); err != nil {
					return
				}
				handle(conn, buf)
			}()
		}
	}()
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func writeFrame(conn net.Conn, payload []byte) {
	hdr := []byte{
		byte(len(payload) >> 24), byte(len(payload) >> 16),
		byte(len(payload) >> 8), byte(len(payload)),
	}
	conn.Write(hdr)
	conn.Write(payload)
}

func noBackoff() func(int) time.Duration {
	return func(int) time.Duration { return 0 }
}

// S1: happy path, server is already the leader.
func TestCallHappyPath(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, reqFrame []byte) {
		resp, _ := wire.EncodeMessage(&wire.OpenSessionResponse{ClientID: 42})
		writeFrame(conn, wire.EncodeResponse(wire.StatusOK, resp))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	e.Backoff = noBackoff()

	var resp wire.OpenSessionResponse
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.ClientID != 42 {
		t.Fatalf("got %+v", resp)
	}
}

// S2: the first server hangs up without replying; the engine must fall back
// to the seed list and succeed against the second.
func TestCallFallsBackAfterHangup(t *testing.T) {
	dead := newFakeServer(t, func(conn net.Conn, _ []byte) {
		conn.Close()
	})
	alive := newFakeServer(t, func(conn net.Conn, _ []byte) {
		resp, _ := wire.EncodeMessage(&wire.OpenSessionResponse{ClientID: 7})
		writeFrame(conn, wire.EncodeResponse(wire.StatusOK, resp))
	})

	e := New(addr.NewSeedList([]string{dead.addr(), alive.addr()}))
	e.Backoff = noBackoff()

	var resp wire.OpenSessionResponse
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.ClientID != 7 {
		t.Fatalf("got %+v", resp)
	}
}

// S3: status OK but a body the response type can't decode is fatal.
func TestCallUnparseableResponseIsFatal(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, _ []byte) {
		writeFrame(conn, wire.EncodeResponse(wire.StatusOK, []byte{0xff, 0xfe, 0xfd}))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	var fatalErr error
	e.Fatal = func(err error) { fatalErr = err }

	var resp wire.OpenSessionResponse
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, &resp)
	if err == nil || !strings.Contains(err.Error(), "Could not parse server response") {
		t.Fatalf("got %v", err)
	}
	if fatalErr == nil {
		t.Fatal("expected Fatal to be invoked")
	}
}

// S4: INVALID_VERSION is fatal with the "client is too old" diagnostic.
func TestCallInvalidVersionIsFatal(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, _ []byte) {
		writeFrame(conn, wire.EncodeResponse(wire.StatusInvalidVersion, nil))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	var fatalErr error
	e.Fatal = func(err error) { fatalErr = err }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "client is too old") {
		t.Fatalf("got %v", err)
	}
	if fatalErr == nil {
		t.Fatal("expected Fatal to be invoked")
	}
}

// S5: INVALID_REQUEST is fatal with a "request ... invalid" diagnostic.
func TestCallInvalidRequestIsFatal(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, _ []byte) {
		writeFrame(conn, wire.EncodeResponse(wire.StatusInvalidRequest, nil))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	var fatalErr error
	e.Fatal = func(err error) { fatalErr = err }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "request") || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("got %v", err)
	}
	if fatalErr == nil {
		t.Fatal("expected Fatal to be invoked")
	}
}

// S6: NOT_LEADER with a usable hint is followed directly, without touching
// the seed list; a NOT_LEADER with a sucky hint falls back to seeds instead.
func TestCallFollowsNotLeaderHint(t *testing.T) {
	real := newFakeServer(t, func(conn net.Conn, _ []byte) {
		resp, _ := wire.EncodeMessage(&wire.OpenSessionResponse{ClientID: 99})
		writeFrame(conn, wire.EncodeResponse(wire.StatusOK, resp))
	})
	var hinted int32
	stale := newFakeServer(t, func(conn net.Conn, _ []byte) {
		atomic.AddInt32(&hinted, 1)
		writeFrame(conn, wire.EncodeResponse(wire.StatusNotLeader, wire.EncodeNotLeaderHint(real.addr())))
	})

	e := New(addr.NewSeedList([]string{stale.addr()}))
	e.Backoff = noBackoff()

	var resp wire.OpenSessionResponse
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.ClientID != 99 {
		t.Fatalf("got %+v", resp)
	}
	if atomic.LoadInt32(&hinted) != 1 {
		t.Fatalf("expected exactly one hop through the stale server, got %d", hinted)
	}
}

func TestCallSkipsSuckyHint(t *testing.T) {
	real := newFakeServer(t, func(conn net.Conn, _ []byte) {
		resp, _ := wire.EncodeMessage(&wire.OpenSessionResponse{ClientID: 5})
		writeFrame(conn, wire.EncodeResponse(wire.StatusOK, resp))
	})
	stale := newFakeServer(t, func(conn net.Conn, _ []byte) {
		writeFrame(conn, wire.EncodeResponse(wire.StatusNotLeader, wire.EncodeNotLeaderHint("10.0.0.5:0")))
	})

	e := New(addr.NewSeedList([]string{stale.addr(), real.addr()}))
	e.Backoff = noBackoff()

	var resp wire.OpenSessionResponse
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.ClientID != 5 {
		t.Fatalf("got %+v", resp)
	}
}

// S7: an unrecognized status byte is fatal with an "Unknown status"
// diagnostic.
func TestCallUnknownStatusIsFatal(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, _ []byte) {
		writeFrame(conn, wire.EncodeResponse(wire.Status(200), nil))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	var fatalErr error
	e.Fatal = func(err error) { fatalErr = err }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, nil)
	if err == nil || !strings.Contains(strings.ToLower(err.Error()), "unknown status") {
		t.Fatalf("got %v", err)
	}
	if fatalErr == nil {
		t.Fatal("expected Fatal to be invoked")
	}
}

func TestCallSessionExpired(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, _ []byte) {
		writeFrame(conn, wire.EncodeResponse(wire.StatusSessionExpired, nil))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Call(ctx, wire.OpReadWriteTree, &wire.ReadWriteTreeRequest{}, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
}

func TestCallNoSeeds(t *testing.T) {
	e := New(addr.NewSeedList(nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, nil)
	if err == nil {
		t.Fatal("expected error with no seeds and no cached leader")
	}
}

func TestCallContextCanceled(t *testing.T) {
	e := New(addr.NewSeedList([]string{"127.0.0.1:1"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, nil); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestCallRecordsStatusMetrics(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, _ []byte) {
		resp, _ := wire.EncodeMessage(&wire.OpenSessionResponse{ClientID: 1})
		writeFrame(conn, wire.EncodeResponse(wire.StatusOK, resp))
	})

	e := New(addr.NewSeedList([]string{srv.addr()}))
	e.Backoff = noBackoff()

	var resp wire.OpenSessionResponse
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Call(ctx, wire.OpOpenSession, &wire.OpenSessionRequest{}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}

	var b bytes.Buffer
	e.Metrics.WritePrometheus(&b)
	out := b.String()
	if !strings.Contains(out, `status="OK"`) {
		t.Fatalf("missing OK status counter in:\n%s", out)
	}
}
