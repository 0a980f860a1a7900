package pbx

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowpbx/vmrouter/internal/router"
)

// Dispatcher accepts router events. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev router.Event) error
}

// EventBridge converts AMI events into router events.
//
// A call is announced by AsyncAGIStart, raised once the channel is waiting
// for commands, rather than Newchannel, which fires before the dialplan has
// reached AGI.
type EventBridge struct {
	dispatcher Dispatcher
	context    string
	logger     *slog.Logger
}

// NewEventBridge creates a bridge. When dialplanContext is set, only calls
// entering AGI from that context are routed.
func NewEventBridge(d Dispatcher, dialplanContext string, logger *slog.Logger) *EventBridge {
	return &EventBridge{
		dispatcher: d,
		context:    dialplanContext,
		logger:     logger.With("subsystem", "ami-events"),
	}
}

// Handle is an EventHandler.
func (b *EventBridge) Handle(ctx context.Context, msg Message) {
	var ev router.Event
	switch msg.Get("Event") {
	case "AsyncAGIStart":
		if b.context != "" && msg.Get("Context") != b.context {
			return
		}
		ev = router.NewCall{
			Channel:  msg.Get("Channel"),
			CallerID: msg.Get("CallerIDNum"),
			DID:      msg.Get("Exten"),
		}
	case "Hangup":
		ev = router.Hangup{Channel: msg.Get("Channel")}
	default:
		return
	}

	if err := b.dispatcher.Dispatch(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("dispatching call event failed", "event", msg.Get("Event"), "channel", ev.ChannelID(), "error", err)
	}
}
