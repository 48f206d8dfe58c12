// Package feed carries "collection changed" events from store writers to change-feed
// subscribers, either inside one process or across processes through Redis.
package feed

import (
	"context"
	"time"
)

const defaultBufferSize = 16

// Event announces that documents under Topic changed.
// An empty DocumentIDs slice means any document may have changed.
type Event struct {
	Topic       string    `json:"topic"`
	DocumentIDs []string  `json:"documentIds,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Touches reports whether the event may affect documentID.
func (e Event) Touches(documentID string) bool {
	if len(e.DocumentIDs) == 0 {
		return true
	}
	for _, candidate := range e.DocumentIDs {
		if candidate == documentID {
			return true
		}
	}
	return false
}

// Bus fans events out to topic subscribers.
// Subscribe returns a stream and a cleanup func; cleanup is also run when ctx ends.
// Publishing never blocks: when a subscriber falls behind, its overflow collapses
// into a catch-all event for the topic.
type Bus interface {
	Subscribe(ctx context.Context, topic string) (<-chan Event, func())
	Publish(ctx context.Context, event Event) error
}

// offer queues event on stream without blocking. When stream is full the oldest
// queued event is discarded and a catch-all event takes the free slot, so a
// subscriber filtering by document id still learns that something changed.
func offer(stream chan Event, event Event) {
	select {
	case stream <- event:
		return
	default:
	}
	catchAll := Event{Topic: event.Topic, Timestamp: event.Timestamp}
	for {
		select {
		case stream <- catchAll:
			return
		default:
		}
		select {
		case <-stream:
		default:
		}
	}
}
