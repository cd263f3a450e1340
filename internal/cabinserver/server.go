// Package cabinserver implements a single-node reference server for the
// client-leader RPC protocol. It always answers as leader, except when a
// test or tool configures it to return a NOT_LEADER hint instead, which
// makes it useful as both a real single-node deployment and a stand-in for
// the "ask someone else" half of a real cluster.
package cabinserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftcabin/cabin/pkg/logstore"
	"github.com/raftcabin/cabin/pkg/wire"
)

// Server accepts connections, decodes one request frame at a time per
// connection, and dispatches it against a logstore.Directory.
type Server struct {
	Logger zerolog.Logger

	dir *logstore.Directory
	met *logstore.Metrics
	req *RequestMetrics

	clientSeq atomic.Uint64

	mu         sync.Mutex
	notLeader  string // if set, every request except GET_SUPPORTED_RPC_VERSIONS gets NOT_LEADER with this hint
	minVersion uint32
	maxVersion uint32

	ln        net.Listener
	listening chan struct{} // closed once ln is set, for tests/tools to wait on
	closed    bool
}

// New builds a Server backed by a fresh log directory. compress controls
// whether appended entry payloads are gzip-compressed at rest.
func New(logger zerolog.Logger, compress bool) *Server {
	return &Server{
		Logger:     logger,
		dir:        logstore.NewDirectory(compress),
		met:        logstore.NewMetrics(),
		req:        newRequestMetrics(),
		minVersion: uint32(wire.Version),
		maxVersion: uint32(wire.Version),
		listening:  make(chan struct{}),
	}
}

// Listening is closed once Run has bound its listener; Addr is safe to call
// after it closes.
func (s *Server) Listening() <-chan struct{} { return s.listening }

// Addr returns the address Run bound to. Only valid after Listening closes.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Directory returns the server's log storage, for wiring administrative or
// test access.
func (s *Server) Directory() *logstore.Directory { return s.dir }

// Metrics returns the server's storage metrics for Prometheus exposition.
func (s *Server) Metrics() *logstore.Metrics { return s.met }

// RequestMetrics returns the server's per-op/per-status request counters
// for Prometheus exposition.
func (s *Server) RequestMetrics() *RequestMetrics { return s.req }

// SetNotLeader makes every subsequent request other than
// GET_SUPPORTED_RPC_VERSIONS fail with NOT_LEADER and the given hint,
// simulating this node losing leadership. An empty hint clears it, making
// the server answer as leader again.
func (s *Server) SetNotLeader(hint string) {
	s.mu.Lock()
	s.notLeader = hint
	s.mu.Unlock()
}

// Run listens on addr and serves connections until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cabinserver: listen on %s: %w", addr, err)
	}
	s.ln = ln
	close(s.listening)
	s.Logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	var wg sync.WaitGroup
	errch := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case errch <- err:
				default:
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serveConn(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errch:
		if !s.isClosed() {
			return err
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	ln.Close()
	wg.Wait()
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		if dl, ok := ctx.Deadline(); ok {
			conn.SetDeadline(dl)
		}
		reqFrame, err := readFrame(conn)
		if err != nil {
			return
		}
		respFrame := s.handle(reqFrame)
		if err := writeFrame(conn, respFrame); err != nil {
			return
		}
	}
}

func (s *Server) handle(reqFrame []byte) []byte {
	resp, opName := s.dispatch(reqFrame)
	status, _, err := wire.DecodeResponse(resp)
	if err != nil {
		// handle's own responses are always well-formed; this would only
		// trip if a future op handler forgot to encode a status byte.
		status = wire.StatusInvalidRequest
	}
	s.req.Observe(opName, status.String())
	return resp
}

// dispatch does the actual request handling; handle wraps it to record
// per-op, per-status metrics in one place regardless of how the request was
// rejected.
func (s *Server) dispatch(reqFrame []byte) (resp []byte, opName string) {
	version, op, payload, err := wire.DecodeRequest(reqFrame)
	if err != nil {
		return wire.EncodeResponse(wire.StatusInvalidRequest, nil), "MALFORMED"
	}
	opName = op.String()
	if version != wire.Version {
		return wire.EncodeResponse(wire.StatusInvalidVersion, nil), opName
	}

	s.mu.Lock()
	hint := s.notLeader
	s.mu.Unlock()
	if hint != "" && op != wire.OpGetSupportedRPCVersions {
		return wire.EncodeResponse(wire.StatusNotLeader, wire.EncodeNotLeaderHint(hint)), opName
	}

	switch op {
	case wire.OpGetSupportedRPCVersions:
		return s.handleGetSupportedRPCVersions(), opName
	case wire.OpOpenSession:
		return s.handleOpenSession(), opName
	case wire.OpGetConfiguration:
		return s.handleGetConfiguration(), opName
	case wire.OpReadOnlyTree, wire.OpReadWriteTree:
		return s.handleTreeOp(op, payload), opName
	default:
		return wire.EncodeResponse(wire.StatusInvalidRequest, nil), opName
	}
}

func (s *Server) handleGetSupportedRPCVersions() []byte {
	s.mu.Lock()
	resp := wire.GetSupportedRPCVersionsResponse{MinVersion: s.minVersion, MaxVersion: s.maxVersion}
	s.mu.Unlock()
	body, _ := wire.EncodeMessage(&resp)
	return wire.EncodeResponse(wire.StatusOK, body)
}

func (s *Server) handleOpenSession() []byte {
	id := s.clientSeq.Add(1)
	body, _ := wire.EncodeMessage(&wire.OpenSessionResponse{ClientID: id})
	return wire.EncodeResponse(wire.StatusOK, body)
}

func (s *Server) handleGetConfiguration() []byte {
	body, _ := wire.EncodeMessage(&wire.GetConfigurationResponse{
		ID: 1,
		Servers: []wire.ConfigurationServer{
			{ServerID: 1, Address: s.ln.Addr().String()},
		},
	})
	return wire.EncodeResponse(wire.StatusOK, body)
}

// handleTreeOp maps a tree RPC onto the log directory: every tree RPC uses
// the log with ID 1 in this single-node reference implementation. A write
// appends the command as a new entry and returns it; a read returns the
// payload of the most recent entry (empty if there is none) without
// appending.
func (s *Server) handleTreeOp(op wire.OpCode, payload []byte) []byte {
	const treeLogID = 1
	l, created := s.dir.CreateLog(treeLogID)
	if created {
		s.met.ObserveLogCreated()
	}

	if op == wire.OpReadOnlyTree {
		var req wire.ReadOnlyTreeRequest
		if err := wire.DecodeMessage(payload, &req); err != nil {
			return wire.EncodeResponse(wire.StatusInvalidRequest, nil)
		}
		entries, err := l.ReadFrom(0)
		if err != nil {
			return wire.EncodeResponse(wire.StatusInvalidRequest, nil)
		}
		var last []byte
		if len(entries) > 0 {
			last = entries[len(entries)-1].Payload
		}
		body, _ := wire.EncodeMessage(&wire.ReadOnlyTreeResponse{Result: last})
		return wire.EncodeResponse(wire.StatusOK, body)
	}

	var req wire.ReadWriteTreeRequest
	if err := wire.DecodeMessage(payload, &req); err != nil {
		return wire.EncodeResponse(wire.StatusInvalidRequest, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry, err := l.Append(logentryTagNow(), req.Command, nil).Wait(ctx)
	s.met.ObserveAppend(len(req.Command), err)
	if err != nil {
		return wire.EncodeResponse(wire.StatusInvalidRequest, nil)
	}

	body, _ := wire.EncodeMessage(&wire.ReadWriteTreeResponse{Result: entry.Payload})
	return wire.EncodeResponse(wire.StatusOK, body)
}
