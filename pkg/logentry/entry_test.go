package logentry

import (
	"strings"
	"testing"
)

func TestEntryString(t *testing.T) {
	e := Entry{LogID: 3, EntryID: 12, Payload: []byte("hello")}
	got := e.String()
	if got != `(3, 12) 'hello'` {
		t.Fatalf("got %q", got)
	}
}

func TestEntryStringWithInvalidations(t *testing.T) {
	e := Entry{LogID: 3, EntryID: 12, Payload: []byte("x"), Invalidations: []uint64{4, 5}}
	got := e.String()
	if !strings.HasSuffix(got, " [inv 4, 5]") {
		t.Fatalf("got %q", got)
	}
}

func TestEntryStringTruncatesLongPayload(t *testing.T) {
	e := Entry{Payload: []byte(strings.Repeat("a", 200))}
	got := e.String()
	if !strings.Contains(got, "...") {
		t.Fatalf("expected truncation, got %q", got)
	}
}

func TestChecksumDeterministicAndSensitive(t *testing.T) {
	a := Entry{Payload: []byte("hello")}
	b := Entry{Payload: []byte("hello")}
	c := Entry{Payload: []byte("hellp")}
	if a.Checksum() != b.Checksum() {
		t.Fatal("same payload should checksum identically")
	}
	if a.Checksum() == c.Checksum() {
		t.Fatal("different payload should (almost certainly) checksum differently")
	}
}
