// Package logstore implements the per-log append-only storage sequence and
// the log_id-keyed directory of logs a storage module exposes.
package logstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/raftcabin/cabin/pkg/logentry"
)

type storedEntry struct {
	id            uint64
	tag           logentry.Tag
	invalidations []uint64
	compressed    bool
	data          []byte
}

// Log is one append-only sequence of entries, numbered densely from 0.
// Safe for concurrent use.
type Log struct {
	id       uint64
	compress bool

	mu      sync.Mutex
	entries []storedEntry
}

func newLog(id uint64, compress bool) *Log {
	return &Log{id: id, compress: compress}
}

// GetLogID returns the ID of the log this sequence belongs to.
func (l *Log) GetLogID() uint64 {
	return l.id
}

// GetLastID returns the ID of the most recently appended entry. ok is false
// if the log is empty, since 0 is itself a valid entry ID and can't double
// as the empty sentinel.
func (l *Log) GetLastID() (id uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, false
	}
	return l.entries[len(l.entries)-1].id, true
}

// AppendFuture is returned by Append; the append completes asynchronously
// with respect to the caller, matching the storage module's append
// contract, and Wait blocks for that completion.
type AppendFuture struct {
	done  chan struct{}
	entry logentry.Entry
	err   error
}

func newAppendFuture() *AppendFuture {
	return &AppendFuture{done: make(chan struct{})}
}

func (f *AppendFuture) complete(e logentry.Entry, err error) {
	f.entry, f.err = e, err
	close(f.done)
}

// Wait blocks until the append completes or ctx is done.
func (f *AppendFuture) Wait(ctx context.Context) (logentry.Entry, error) {
	select {
	case <-f.done:
		return f.entry, f.err
	case <-ctx.Done():
		return logentry.Entry{}, ctx.Err()
	}
}

// Append adds a new entry to the end of the log and returns a future for its
// completion. The entry ID is assigned when the append actually runs, not
// when Append is called.
func (l *Log) Append(tag logentry.Tag, payload []byte, invalidations []uint64) *AppendFuture {
	fut := newAppendFuture()
	go func() {
		se, err := l.encode(tag, payload, invalidations)
		if err != nil {
			fut.complete(logentry.Entry{}, err)
			return
		}

		l.mu.Lock()
		se.id = uint64(len(l.entries))
		l.entries = append(l.entries, se)
		l.mu.Unlock()

		fut.complete(logentry.Entry{
			LogID:         l.id,
			EntryID:       se.id,
			Tag:           tag,
			Payload:       payload,
			Invalidations: invalidations,
		}, nil)
	}()
	return fut
}

// ReadFrom returns every entry with ID >= start, in order. A start past the
// last existing entry returns an empty slice, never an error: there's no
// invalid start position, only one with nothing (yet) to return.
func (l *Log) ReadFrom(start uint64) ([]logentry.Entry, error) {
	l.mu.Lock()
	snapshot := make([]storedEntry, 0, len(l.entries))
	for _, se := range l.entries {
		if se.id >= start {
			snapshot = append(snapshot, se)
		}
	}
	l.mu.Unlock()

	out := make([]logentry.Entry, len(snapshot))
	for i, se := range snapshot {
		e, err := l.decode(se)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// encode compresses payload with the same optional-gzip knob the teacher's
// pdata store uses, so a log storing large opaque blobs doesn't pay full
// size for cold entries.
func (l *Log) encode(tag logentry.Tag, payload []byte, invalidations []uint64) (storedEntry, error) {
	se := storedEntry{tag: tag, invalidations: invalidations}
	if !l.compress {
		se.data = append([]byte(nil), payload...)
		return se, nil
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return storedEntry{}, err
	}
	if err := w.Close(); err != nil {
		return storedEntry{}, err
	}
	se.compressed = true
	se.data = buf.Bytes()
	return se, nil
}

func (l *Log) decode(se storedEntry) (logentry.Entry, error) {
	payload := se.data
	if se.compressed {
		r, err := gzip.NewReader(bytes.NewReader(se.data))
		if err != nil {
			return logentry.Entry{}, err
		}
		payload, err = io.ReadAll(r)
		if err != nil {
			return logentry.Entry{}, err
		}
	}
	return logentry.Entry{
		LogID:         l.id,
		EntryID:       se.id,
		Tag:           se.tag,
		Payload:       payload,
		Invalidations: se.invalidations,
	}, nil
}
