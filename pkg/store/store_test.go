package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/ringmutex/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *Store, id string) *model.Run {
	t.Helper()
	r := &model.Run{ID: id, Agents: 5, Transport: "pipe", StartedAt: time.Now().UTC(), Status: model.RunRunning}
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun(%s): %v", id, err)
	}
	return r
}

func insert(t *testing.T, s *Store, runID string, agent model.AgentID, ts int64, kind model.EventKind) int64 {
	t.Helper()
	id, err := s.InsertEvent(&model.Event{
		RunID: runID, AgentID: agent, LamportTS: ts, Kind: kind, Peer: -1, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	return id
}

// --- Run tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-a")

	r, err := s.GetRun("run-a")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Agents != 5 || r.Transport != "pipe" || r.Status != model.RunRunning {
		t.Fatalf("unexpected run: %+v", r)
	}
	if r.FinishedAt != nil {
		t.Fatal("new run should not be finished")
	}
}

func TestGetRun_Prefix(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "abc123")
	newTestRun(t, s, "abd456")

	r, err := s.GetRun("abc")
	if err != nil {
		t.Fatalf("GetRun(prefix): %v", err)
	}
	if r.ID != "abc123" {
		t.Fatalf("got %q, want abc123", r.ID)
	}
	if _, err := s.GetRun("ab"); err == nil {
		t.Fatal("expected ambiguous prefix error")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun("nonexistent")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestFinishRun(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-a")
	if err := s.FinishRun("run-a", model.RunCompleted); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	r, err := s.GetRun("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != model.RunCompleted || r.FinishedAt == nil {
		t.Fatalf("run not finished: %+v", r)
	}
	if err := s.FinishRun("missing", model.RunFailed); !IsNotFound(err) {
		t.Fatalf("expected not-found for missing run, got %v", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"first", "second", "third"} {
		r := &model.Run{ID: id, Agents: 2, Transport: "mailbox", StartedAt: base.Add(time.Duration(i) * time.Second), Status: model.RunRunning}
		if err := s.CreateRun(r); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "third" || runs[1].ID != "second" {
		t.Fatalf("unexpected order: %+v", runs)
	}
	latest, err := s.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "third" {
		t.Fatalf("got latest %q, want third", latest.ID)
	}
}

func TestLatestRun_Empty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LatestRun(); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

// --- Event tests ---

func TestInsertAndListEvents(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	id, err := s.InsertEvent(&model.Event{
		RunID: "r", AgentID: 3, LamportTS: 12, Kind: model.EventGrant, Side: "left", Peer: 2,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive ID, got %d", id)
	}

	events, err := s.ListEvents(EventFilter{RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.AgentID != 3 || e.LamportTS != 12 || e.Kind != model.EventGrant || e.Side != "left" || e.Peer != 2 {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestListEvents_Filters(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	newTestRun(t, s, "other")
	insert(t, s, "r", 0, 1, model.EventRequest)
	second := insert(t, s, "r", 1, 2, model.EventRequest)
	insert(t, s, "r", 1, 5, model.EventEat)
	insert(t, s, "other", 1, 1, model.EventEat)

	agent := model.AgentID(1)
	cases := []struct {
		name string
		f    EventFilter
		want int
	}{
		{"run", EventFilter{RunID: "r"}, 3},
		{"agent", EventFilter{RunID: "r", AgentID: &agent}, 2},
		{"kind", EventFilter{RunID: "r", Kind: model.EventEat}, 1},
		{"since", EventFilter{RunID: "r", SinceID: second}, 1},
		{"limit", EventFilter{RunID: "r", Limit: 2}, 2},
		{"unlimited", EventFilter{RunID: "r", Limit: -1}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := s.ListEvents(tc.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != tc.want {
				t.Fatalf("got %d events, want %d", len(events), tc.want)
			}
			for i := 1; i < len(events); i++ {
				if events[i].ID <= events[i-1].ID {
					t.Fatal("events not in row order")
				}
			}
		})
	}
}

func TestListEvents_DefaultLimit(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	for i := 0; i < 105; i++ {
		insert(t, s, "r", 0, int64(i), model.EventThink)
	}
	events, err := s.ListEvents(EventFilter{RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 100 {
		t.Fatalf("default limit should be 100, got %d", len(events))
	}
	all, err := s.AllEvents("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 105 {
		t.Fatalf("AllEvents returned %d, want 105", len(all))
	}
}

func TestCountAndMaxEventID(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	if got := s.CountEvents("r"); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	if got := s.MaxEventID("r"); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	insert(t, s, "r", 0, 1, model.EventThink)
	last := insert(t, s, "r", 1, 1, model.EventThink)
	if got := s.CountEvents("r"); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := s.MaxEventID("r"); got != last {
		t.Fatalf("got %d, want %d", got, last)
	}
}

func TestMealCounts(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	insert(t, s, "r", 0, 1, model.EventEat)
	insert(t, s, "r", 0, 5, model.EventEat)
	insert(t, s, "r", 2, 3, model.EventEat)
	insert(t, s, "r", 1, 3, model.EventRequest)

	meals, err := s.MealCounts("r")
	if err != nil {
		t.Fatal(err)
	}
	if meals[0] != 2 || meals[2] != 1 || meals[1] != 0 {
		t.Fatalf("unexpected meals: %v", meals)
	}
}

func TestPendingRequests(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	// Agent 0 requested and released; then requested again.
	insert(t, s, "r", 0, 1, model.EventRequest)
	insert(t, s, "r", 0, 4, model.EventRelease)
	insert(t, s, "r", 0, 9, model.EventRequest)
	// Agent 1 requested and abandoned.
	insert(t, s, "r", 1, 2, model.EventRequest)
	insert(t, s, "r", 1, 3, model.EventAbandon)
	// Agent 2 is eating on a request at ts 7.
	insert(t, s, "r", 2, 7, model.EventRequest)
	insert(t, s, "r", 2, 8, model.EventEat)

	pending, err := s.PendingRequests("r")
	if err != nil {
		t.Fatal(err)
	}
	want := []model.PendingRequest{{AgentID: 2, LamportTS: 7}, {AgentID: 0, LamportTS: 9}}
	if len(pending) != len(want) {
		t.Fatalf("got %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("entry %d: got %v, want %v", i, pending[i], want[i])
		}
	}
}

func TestRunRecorder(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "r")
	rec := s.Recorder("r")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Record(ctx, model.Event{AgentID: 4, LamportTS: 3, Kind: model.EventRelease, Peer: -1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Record after cancel: %v", err)
	}
	events, err := s.AllEvents("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].RunID != "r" || events[0].Kind != model.EventRelease {
		t.Fatalf("unexpected events: %+v", events)
	}
}

// --- Mailbox tests ---

func TestMailbox_FIFOPerRecipient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, "r", 1, 0, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Enqueue(ctx, "r", 2, 1, []byte{99}); err != nil {
		t.Fatal(err)
	}

	first, err := s.Dequeue(ctx, "r", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	rest, err := s.Dequeue(ctx, "r", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := append(first, rest...)
	if len(got) != 5 {
		t.Fatalf("got %d frames, want 5", len(got))
	}
	for i, f := range got {
		if f[0] != byte(i) {
			t.Fatalf("frame %d: got %d, want %d", i, f[0], i)
		}
	}
	empty, err := s.Dequeue(ctx, "r", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("drained queue returned %d frames", len(empty))
	}
	if got := s.MailboxDepth("r"); got != 1 {
		t.Fatalf("depth: got %d, want 1", got)
	}
}

func TestMailbox_RunsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "a", 0, 1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	frames, err := s.Dequeue(ctx, "b", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatal("dequeued a frame from another run")
	}
}

func TestMailbox_Purge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, "r", model.AgentID(i), 0, []byte{1}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.PurgeMailbox(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("purged %d, want 3", n)
	}
	if got := s.MailboxDepth("r"); got != 0 {
		t.Fatalf("depth after purge: %d", got)
	}
}

func TestMailbox_ConcurrentNoLossNoDuplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const senders, perSender = 4, 25

	var wg sync.WaitGroup
	for snd := 0; snd < senders; snd++ {
		wg.Add(1)
		go func(snd int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := s.Enqueue(ctx, "r", 9, snd, []byte(fmt.Sprintf("%d:%d", snd, i))); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(snd)
	}
	wg.Wait()

	seen := make(map[string]bool)
	next := make([]int, senders)
	for {
		frames, err := s.Dequeue(ctx, "r", 9, 7)
		if err != nil {
			t.Fatal(err)
		}
		if len(frames) == 0 {
			break
		}
		for _, f := range frames {
			key := string(f)
			if seen[key] {
				t.Fatalf("duplicate frame %s", key)
			}
			seen[key] = true
			var snd, i int
			if _, err := fmt.Sscanf(key, "%d:%d", &snd, &i); err != nil {
				t.Fatal(err)
			}
			if i != next[snd] {
				t.Fatalf("sender %d: got frame %d, want %d", snd, i, next[snd])
			}
			next[snd]++
		}
	}
	if len(seen) != senders*perSender {
		t.Fatalf("got %d frames, want %d", len(seen), senders*perSender)
	}
}
