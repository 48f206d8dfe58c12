package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/syncer"
	"github.com/gin-gonic/gin"
)

const (
	realtimeEventSnapshot  = "snapshot"
	realtimeEventNotice    = "notice"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "fishmarket-backend"

	noticeBufferSize = 16
)

// latestValue keeps only the newest versioned value for a slow reader.
type latestValue[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	pending bool
	ready   chan struct{}
}

func newLatestValue[T any]() *latestValue[T] {
	return &latestValue[T]{ready: make(chan struct{}, 1)}
}

func (l *latestValue[T]) put(version uint64, value T) {
	l.mu.Lock()
	if version <= l.version {
		l.mu.Unlock()
		return
	}
	l.value = value
	l.version = version
	l.pending = true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestValue[T]) take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.pending {
		var zero T
		return zero, false
	}
	l.pending = false
	return l.value, true
}

// noticeQueue buffers notices for one stream and drops them when the reader lags.
type noticeQueue chan syncer.Notice

func newNoticeQueue() noticeQueue {
	return make(noticeQueue, noticeBufferSize)
}

func (q noticeQueue) Notify(notice syncer.Notice) {
	select {
	case q <- notice:
	default:
	}
}

// streamEvents writes server-sent events until the client goes away: the newest
// snapshot whenever one is pending, every queued notice, and periodic heartbeats.
func streamEvents[T any](c *gin.Context, heartbeat time.Duration, snapshots *latestValue[T], render func(T) any, notices noticeQueue) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshots.ready:
			if snapshot, ok := snapshots.take(); ok {
				c.SSEvent(realtimeEventSnapshot, render(snapshot))
				c.Writer.Flush()
			}
		case notice := <-notices:
			c.SSEvent(realtimeEventNotice, notice)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": now.UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}

// awaitSettled blocks until settled reports true for the current snapshot or the
// timeout elapses, returning the last snapshot seen.
func awaitSettled[T any](ctx context.Context, timeout time.Duration, current func() T, onChange func(func(T)) func(), settled func(T) bool) (T, error) {
	signal := make(chan struct{}, 1)
	cancel := onChange(func(T) {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer cancel()

	ctx, stop := context.WithTimeout(ctx, timeout)
	defer stop()
	for {
		snapshot := current()
		if settled(snapshot) {
			return snapshot, nil
		}
		select {
		case <-ctx.Done():
			return snapshot, ctx.Err()
		case <-signal:
		}
	}
}
