// Package syncer keeps observable, live snapshots of remote collections and documents
// for the current identity. A synchronizer re-subscribes whenever its parameters or
// the identity change, always closing the old store subscription before opening the
// new one, and ignores deliveries from any subscription it has already closed.
package syncer

import (
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle phase of a synchronizer.
type State int

const (
	// StateIdle means no subscription is open: no identity, no target, or closed.
	StateIdle State = iota
	// StateSubscribing means a subscription is open and awaiting its first delivery.
	StateSubscribing
	// StateActive means the latest delivery succeeded.
	StateActive
	// StateError means the latest delivery failed; previous data is retained.
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeError    NoticeKind = "error"
	NoticeNotFound NoticeKind = "not_found"
)

// Notice is a transient user-facing message raised by a synchronizer.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	Collection string     `json:"collection"`
	DocumentID string     `json:"documentId,omitempty"`
	Message    string     `json:"message"`
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(notice Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f.
func (f NotifierFunc) Notify(notice Notice) {
	f(notice)
}

type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Notify(notice Notice) {
	n.logger.Info("notice",
		zap.String("kind", string(notice.Kind)),
		zap.String("collection", notice.Collection),
		zap.String("document_id", notice.DocumentID),
		zap.String("message", notice.Message),
	)
}

// listeners fans snapshots out to registered callbacks. Versions only move forward:
// a snapshot older than one already emitted is dropped.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)

	emitMu      sync.Mutex
	lastVersion uint64
}

func (l *listeners[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(version uint64, snapshot T) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	if version <= l.lastVersion {
		return
	}
	l.lastVersion = version

	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
