package logstore

import (
	"context"
	"sync"
)

// Directory is the storage module's log_id-keyed collection of logs.
// CreateLog is idempotent: creating a log that already exists returns the
// existing one rather than erroring, matching a storage module's
// "apply this command again after a crash" recovery path. Safe for
// concurrent use.
type Directory struct {
	compress bool
	logs     sync.Map // uint64 -> *Log
}

// NewDirectory builds an empty directory. compress controls whether new
// logs store entry payloads gzip-compressed.
func NewDirectory(compress bool) *Directory {
	return &Directory{compress: compress}
}

// CreateLog returns the log named by id, creating it if it doesn't already
// exist. created reports whether this call was the one that created it.
func (d *Directory) CreateLog(id uint64) (l *Log, created bool) {
	actual, loaded := d.logs.LoadOrStore(id, newLog(id, d.compress))
	return actual.(*Log), !loaded
}

// GetLog returns the log named by id, or nil if it doesn't exist.
func (d *Directory) GetLog(id uint64) *Log {
	v, ok := d.logs.Load(id)
	if !ok {
		return nil
	}
	return v.(*Log)
}

// GetLogs returns a snapshot of every log currently in the directory. The
// order is unspecified.
func (d *Directory) GetLogs() []*Log {
	var logs []*Log
	d.logs.Range(func(_, v any) bool {
		logs = append(logs, v.(*Log))
		return true
	})
	return logs
}

// DeleteFuture is returned by DeleteLog; the deletion, like an append,
// completes asynchronously with respect to the caller.
type DeleteFuture struct {
	done chan struct{}
}

func newDeleteFuture() *DeleteFuture {
	return &DeleteFuture{done: make(chan struct{})}
}

// Wait blocks until the deletion completes or ctx is done.
func (f *DeleteFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteLog removes the log named by id. Deleting a log that doesn't exist
// is a no-op, not an error — consistent with CreateLog's idempotence.
func (d *Directory) DeleteLog(id uint64) *DeleteFuture {
	fut := newDeleteFuture()
	go func() {
		d.logs.Delete(id)
		close(fut.done)
	}()
	return fut
}
