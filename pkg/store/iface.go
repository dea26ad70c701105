// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The cmd layer accepts
// StoreInterface instead of *Store, and the queue transport depends only on
// the mailbox subset of it.
package store

import (
	"context"

	"github.com/daviddao/ringmutex/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Runs ---

	// CreateRun records the start of a simulation run.
	CreateRun(r *model.Run) error

	// FinishRun stamps a run with its final status.
	FinishRun(id, status string) error

	// GetRun retrieves a run by ID or unique ID prefix.
	GetRun(id string) (*model.Run, error)

	// LatestRun returns the most recently started run.
	LatestRun() (*model.Run, error)

	// ListRuns returns runs, newest first.
	ListRuns(limit int) ([]model.Run, error)

	// --- Events ---

	// InsertEvent appends an event to the log. Returns the row ID.
	InsertEvent(e *model.Event) (int64, error)

	// ListEvents returns events matching f, in recording order.
	ListEvents(f EventFilter) ([]model.Event, error)

	// AllEvents returns the full event log of a run.
	AllEvents(runID string) ([]model.Event, error)

	// MaxEventID returns the highest event row ID of a run, or 0.
	MaxEventID(runID string) int64

	// CountEvents returns the number of events recorded for a run.
	CountEvents(runID string) int64

	// MealCounts returns critical sections entered per agent.
	MealCounts(runID string) (map[model.AgentID]int, error)

	// PendingRequests returns requests not yet retired by a release.
	PendingRequests(runID string) ([]model.PendingRequest, error)

	// Recorder returns an event sink bound to one run.
	Recorder(runID string) *RunRecorder

	// --- Mailbox ---

	MailboxQueue

	// MailboxDepth returns how many frames are queued for a run.
	MailboxDepth(runID string) int64
}

// MailboxQueue is the system-wide message queue the mailbox transport runs
// over: one FIFO per (run, recipient).
type MailboxQueue interface {
	// Enqueue appends a frame to recipient's queue.
	Enqueue(ctx context.Context, runID string, recipient, sender model.AgentID, frame []byte) error

	// Dequeue removes and returns the oldest frames for recipient.
	Dequeue(ctx context.Context, runID string, recipient model.AgentID, limit int) ([][]byte, error)

	// PurgeMailbox drops every frame queued for a run.
	PurgeMailbox(ctx context.Context, runID string) (int64, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
