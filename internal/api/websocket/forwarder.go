package websocket

import (
	"log"

	"github.com/ramonehamilton/forecast-experimenter/internal/watch"
)

// EventCheckpointCommitted is the event type of a committed checkpoint.
const EventCheckpointCommitted = "checkpoint:committed"

// CheckpointForwarder relays watcher events to the hub's clients.
type CheckpointForwarder struct {
	hub *Hub
}

// NewCheckpointForwarder creates a forwarder for hub.
func NewCheckpointForwarder(hub *Hub) *CheckpointForwarder {
	return &CheckpointForwarder{hub: hub}
}

// Forward broadcasts e. Its signature matches the emit callback of watch.Watcher.Run.
func (f *CheckpointForwarder) Forward(e watch.Event) {
	if !f.hub.BroadcastEvent(Event{Type: EventCheckpointCommitted, Data: e}) {
		return
	}
	log.Printf("[DEBUG] Forwarded %s/exp_%d (%s) to %d clients", e.Model, e.ExperimentID, e.Stage, f.hub.ClientCount())
}
