package agent

import (
	"context"

	"github.com/daviddao/ringmutex/pkg/model"
)

// Transport delivers messages between one agent and its two neighbors.
//
// Implementations guarantee no loss, no duplication and in-order delivery
// on each link, and nothing about ordering across the two links. Recv
// returns the next message from either link and must not starve one link
// while the other has traffic. Recv returns ctx.Err() when ctx ends first
// and must not consume a message it does not return.
type Transport interface {
	Send(ctx context.Context, to model.Side, msg model.Message) error
	Recv(ctx context.Context) (model.Message, error)
}

// Recorder receives protocol events as the controller produces them.
type Recorder interface {
	Record(ctx context.Context, e model.Event) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, model.Event) error { return nil }

// NopRecorder discards every event.
var NopRecorder Recorder = nopRecorder{}
