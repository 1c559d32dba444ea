package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := Record{PID: 123, Syscall: "openat", Args: "0x1, 0x2", Timestamp: time.Now()}
	for i := 0; i < 3; i++ {
		r := base
		r.Return = int64(i)
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 123, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(got))
	}
	// newest first
	if got[0].Return != 2 {
		t.Errorf("got[0].Return = %d, want 2 (most recent insert)", got[0].Return)
	}
}

func TestRecentFiltersByPID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, Record{PID: 1, Syscall: "read", Timestamp: time.Now()})
	s.Record(ctx, Record{PID: 2, Syscall: "write", Timestamp: time.Now()})

	got, err := s.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].PID != 1 {
		t.Fatalf("Recent(pid=1) = %+v, want exactly one record for pid 1", got)
	}
}

func TestRecentAllPIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, Record{PID: 1, Syscall: "read", Timestamp: time.Now()})
	s.Record(ctx, Record{PID: 2, Syscall: "write", Timestamp: time.Now()})

	got, err := s.Recent(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(pid=0) returned %d records, want 2", len(got))
	}
}
