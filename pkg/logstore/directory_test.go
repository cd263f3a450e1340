package logstore

import (
	"context"
	"testing"
	"time"
)

func TestDirectoryCreateLogIdempotent(t *testing.T) {
	d := NewDirectory(false)
	l1, created1 := d.CreateLog(5)
	l2, created2 := d.CreateLog(5)
	if !created1 {
		t.Fatal("first create should report created")
	}
	if created2 {
		t.Fatal("second create of the same id should not report created")
	}
	if l1 != l2 {
		t.Fatal("expected the same log instance back")
	}
}

func TestDirectoryGetLog(t *testing.T) {
	d := NewDirectory(false)
	if d.GetLog(1) != nil {
		t.Fatal("expected nil for missing log")
	}
	d.CreateLog(1)
	if d.GetLog(1) == nil {
		t.Fatal("expected log after create")
	}
}

func TestDirectoryGetLogs(t *testing.T) {
	d := NewDirectory(false)
	d.CreateLog(1)
	d.CreateLog(2)
	d.CreateLog(3)
	logs := d.GetLogs()
	if len(logs) != 3 {
		t.Fatalf("got %v", logs)
	}
	seen := map[uint64]bool{}
	for _, l := range logs {
		seen[l.GetLogID()] = true
	}
	if !seen[1] || !seen[2] || !seen[3] {
		t.Fatalf("got ids %v, want 1,2,3", seen)
	}
}

func TestDirectoryDeleteLog(t *testing.T) {
	d := NewDirectory(false)
	d.CreateLog(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.DeleteLog(1).Wait(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d.GetLog(1) != nil {
		t.Fatal("expected log to be gone")
	}
}

func TestDirectoryDeleteMissingLogIsNoop(t *testing.T) {
	d := NewDirectory(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.DeleteLog(99).Wait(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
