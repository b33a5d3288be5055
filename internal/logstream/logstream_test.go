package logstream

import (
	"path/filepath"
	"testing"
)

func TestAppendAndSnapshotOrdering(t *testing.T) {
	s := New(DefaultCapacity)
	s.Append("run1", LogEntry{RunID: "run1", Message: "first"})
	s.Append("run1", LogEntry{RunID: "run1", Message: "second"})
	s.Append("run1", LogEntry{RunID: "run1", Message: "third"})

	entries := s.Snapshot("run1", "", "")
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Message != "first" || entries[2].Message != "third" {
		t.Fatalf("unexpected ordering: %+v", entries)
	}
}

func TestAppendFileAndLastFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1", "progress.ndjson")
	if err := AppendFile(path, LogEntry{RunID: "run1", Phase: "plan", Message: "plan: started"}); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}
	if err := AppendFile(path, LogEntry{RunID: "run1", Phase: "plan", Message: "plan: completed"}); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}

	last, ok, err := LastFromFile(path)
	if err != nil {
		t.Fatalf("LastFromFile: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if last.Message != "plan: completed" {
		t.Fatalf("Message = %q, want %q", last.Message, "plan: completed")
	}
}

func TestLastFromFileMissingReturnsNotOK(t *testing.T) {
	_, ok, err := LastFromFile(filepath.Join(t.TempDir(), "does-not-exist.ndjson"))
	if err != nil {
		t.Fatalf("LastFromFile: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a missing file")
	}
}

func TestSnapshotFiltersByLevelAndSubstring(t *testing.T) {
	s := New(DefaultCapacity)
	s.Append("run1", LogEntry{RunID: "run1", Level: LevelInfo, Message: "compiling package foo"})
	s.Append("run1", LogEntry{RunID: "run1", Level: LevelError, Message: "compile failed in bar"})

	errs := s.Snapshot("run1", LevelError, "")
	if len(errs) != 1 || errs[0].Message != "compile failed in bar" {
		t.Fatalf("level filter failed: %+v", errs)
	}

	matches := s.Snapshot("run1", "", "foo")
	if len(matches) != 1 || matches[0].Message != "compiling package foo" {
		t.Fatalf("substring filter failed: %+v", matches)
	}
}

func TestRingBufferEvictsOldestAtCapacity(t *testing.T) {
	s := New(2)
	s.Append("run1", LogEntry{RunID: "run1", Message: "a"})
	s.Append("run1", LogEntry{RunID: "run1", Message: "b"})
	s.Append("run1", LogEntry{RunID: "run1", Message: "c"})

	entries := s.Snapshot("run1", "", "")
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (capacity clamp)", len(entries))
	}
	if entries[0].Message != "b" || entries[1].Message != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", entries)
	}
}

func TestNewClampsToHardCapLimit(t *testing.T) {
	rb := newRingBuffer(HardCapLimit + 500)
	if rb.cap != HardCapLimit {
		t.Fatalf("cap = %d, want clamped to %d", rb.cap, HardCapLimit)
	}
}

func TestSubscribeReceivesSubsequentAppendsOnly(t *testing.T) {
	s := New(DefaultCapacity)
	s.Append("run1", LogEntry{RunID: "run1", Message: "before subscribe"})

	sub := s.Subscribe("run1")
	defer sub.Close()

	s.Append("run1", LogEntry{RunID: "run1", Message: "after subscribe"})

	select {
	case e := <-sub.Entries:
		if e.Message != "after subscribe" {
			t.Fatalf("Message = %q, want %q", e.Message, "after subscribe")
		}
	default:
		t.Fatalf("expected a buffered entry on the subscription channel")
	}
}

func TestSubscribeIsolationAcrossRuns(t *testing.T) {
	s := New(DefaultCapacity)
	s.Append("run1", LogEntry{RunID: "run1", Message: "one"})
	s.Append("run2", LogEntry{RunID: "run2", Message: "two"})

	if len(s.Snapshot("run1", "", "")) != 1 {
		t.Fatalf("expected run1's buffer to be isolated from run2's")
	}
	if len(s.Snapshot("run2", "", "")) != 1 {
		t.Fatalf("expected run2's buffer to be isolated from run1's")
	}
}
