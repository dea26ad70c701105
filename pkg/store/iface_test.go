package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/ringmutex/pkg/model"
)

// TestStoreImplementsInterface verifies at runtime that *Store satisfies
// StoreInterface by calling every method on a real store.
func TestStoreImplementsInterface(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var iface StoreInterface = s
	ctx := context.Background()

	// Runs
	if err := iface.CreateRun(&model.Run{ID: "r1", Agents: 3, Transport: "mailbox", StartedAt: time.Now(), Status: model.RunRunning}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := iface.GetRun("r1"); err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if _, err := iface.LatestRun(); err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if runs, err := iface.ListRuns(0); err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v (%d runs)", err, len(runs))
	}

	// Events
	if _, err := iface.InsertEvent(&model.Event{RunID: "r1", AgentID: 0, LamportTS: 1, Kind: model.EventRequest, Peer: -1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := iface.Recorder("r1").Record(ctx, model.Event{AgentID: 0, LamportTS: 2, Kind: model.EventEat, Peer: -1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Recorder: %v", err)
	}
	if events, err := iface.ListEvents(EventFilter{RunID: "r1"}); err != nil || len(events) != 2 {
		t.Fatalf("ListEvents: %v (%d events)", err, len(events))
	}
	if events, err := iface.AllEvents("r1"); err != nil || len(events) != 2 {
		t.Fatalf("AllEvents: %v (%d events)", err, len(events))
	}
	if iface.MaxEventID("r1") == 0 {
		t.Error("MaxEventID should be positive")
	}
	if iface.CountEvents("r1") != 2 {
		t.Error("CountEvents should be 2")
	}
	if meals, err := iface.MealCounts("r1"); err != nil || meals[0] != 1 {
		t.Fatalf("MealCounts: %v %v", meals, err)
	}
	if pending, err := iface.PendingRequests("r1"); err != nil || len(pending) != 1 {
		t.Fatalf("PendingRequests: %v %v", pending, err)
	}

	// Mailbox
	if err := iface.Enqueue(ctx, "r1", 1, 0, []byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if iface.MailboxDepth("r1") != 1 {
		t.Error("MailboxDepth should be 1")
	}
	if frames, err := iface.Dequeue(ctx, "r1", 1, 0); err != nil || len(frames) != 1 {
		t.Fatalf("Dequeue: %v (%d frames)", err, len(frames))
	}
	if _, err := iface.PurgeMailbox(ctx, "r1"); err != nil {
		t.Fatalf("PurgeMailbox: %v", err)
	}

	if err := iface.FinishRun("r1", model.RunCompleted); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
}
