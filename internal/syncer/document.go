package syncer

import (
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"go.uber.org/zap"
)

const notFoundMessage = "document not found"

// DocumentSnapshot is the observable state of a Document view. NotFound is set when
// the latest delivery reported the document absent; LastError only carries failures.
type DocumentSnapshot struct {
	Data      *store.Document `json:"data"`
	IsLoading bool            `json:"isLoading"`
	LastError string          `json:"lastError,omitempty"`
	NotFound  bool            `json:"notFound"`
	State     State           `json:"state"`
	Version   uint64          `json:"version"`
}

// Settled reports whether the snapshot reflects a delivery or a terminal idle state.
func (s DocumentSnapshot) Settled() bool {
	return !s.IsLoading
}

func (s DocumentSnapshot) clone() DocumentSnapshot {
	if s.Data != nil {
		copied := store.Document{ID: s.Data.ID, Fields: s.Data.Fields.Clone()}
		s.Data = &copied
	}
	return s
}

// Document is a live view of one document.
// OnChange listeners must not call Retarget or Close.
type Document struct {
	service *Service

	reconcileMu sync.Mutex

	mu            sync.Mutex
	collection    string
	documentID    string
	key           string
	reconciled    bool
	handle        store.Subscription
	generation    uint64
	version       uint64
	snapshot      DocumentSnapshot
	closed        bool
	stopIdentity  func()
	listeners     listeners[DocumentSnapshot]
	subscriptions int
}

func newDocument(service *Service, collection, documentID string) *Document {
	return &Document{
		service:    service,
		collection: collection,
		documentID: documentID,
		snapshot:   DocumentSnapshot{State: StateIdle},
	}
}

func (d *Document) start() {
	stop := d.service.identity.OnIdentityChanged(func(domain.Identity, bool) {
		d.reconcile()
	})
	d.mu.Lock()
	d.stopIdentity = stop
	d.mu.Unlock()
	d.reconcile()
}

// Snapshot returns a copy of the current state.
func (d *Document) Snapshot() DocumentSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot.clone()
}

// OnChange registers fn for every newer snapshot and returns its cancel function.
func (d *Document) OnChange(fn func(DocumentSnapshot)) func() {
	return d.listeners.add(fn)
}

// Retarget points the view at another document. An unchanged target is a no-op.
func (d *Document) Retarget(collection, documentID string) error {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return ErrEmptyCollection
	}
	d.mu.Lock()
	d.collection = collection
	d.documentID = strings.TrimSpace(documentID)
	d.mu.Unlock()
	d.reconcile()
	return nil
}

// Close releases the store subscription and the identity observer. Close is idempotent.
func (d *Document) Close() {
	d.reconcileMu.Lock()
	defer d.reconcileMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.generation++
	handle := d.handle
	d.handle = nil
	stop := d.stopIdentity
	d.stopIdentity = nil
	d.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if stop != nil {
		stop()
	}
}

// SubscriptionCount reports how many store subscriptions the view has opened.
func (d *Document) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscriptions
}

func (d *Document) reconcile() {
	d.reconcileMu.Lock()
	defer d.reconcileMu.Unlock()

	current, signedIn := d.service.identity.CurrentIdentity()
	uid := ""
	if signedIn {
		uid = current.UID
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	collection := d.collection
	documentID := d.documentID
	key := subscriptionKey(collection, documentID, uid)
	if d.reconciled && key == d.key {
		d.mu.Unlock()
		return
	}
	d.reconciled = true
	d.key = key
	d.generation++
	generation := d.generation
	previous := d.handle
	d.handle = nil
	fetch := signedIn && documentID != ""
	if fetch {
		d.snapshot = DocumentSnapshot{IsLoading: true, State: StateSubscribing}
	} else {
		d.snapshot = DocumentSnapshot{State: StateIdle}
	}
	d.snapshot.Version = d.nextVersion()
	snapshot := d.snapshot.clone()
	d.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	d.listeners.emit(snapshot.Version, snapshot)

	if !fetch {
		return
	}

	path := partition.CollectionPath(d.service.partitions, collection)
	handle, err := d.service.store.SubscribeDocument(path, documentID,
		func(document *store.Document) { d.deliver(generation, document) },
		func(err error) { d.fail(generation, err) },
	)
	if err != nil {
		d.fail(generation, err)
		return
	}

	d.mu.Lock()
	if d.closed || d.generation != generation {
		d.mu.Unlock()
		handle.Close()
		return
	}
	d.handle = handle
	d.subscriptions++
	d.mu.Unlock()
	d.service.logger.Debug("document view subscribed",
		zap.String("collection", collection),
		zap.String("document_id", documentID),
		zap.String("uid", uid),
	)
}

func (d *Document) deliver(generation uint64, document *store.Document) {
	d.mu.Lock()
	if d.closed || d.generation != generation {
		d.mu.Unlock()
		return
	}
	next := DocumentSnapshot{State: StateActive, Version: d.nextVersion()}
	if document == nil {
		next.NotFound = true
	} else {
		next.Data = &store.Document{ID: document.ID, Fields: document.Fields.Clone()}
	}
	d.snapshot = next
	snapshot := d.snapshot.clone()
	collection := d.collection
	documentID := d.documentID
	d.mu.Unlock()

	if snapshot.NotFound {
		d.service.notifier.Notify(Notice{
			Kind:       NoticeNotFound,
			Collection: collection,
			DocumentID: documentID,
			Message:    notFoundMessage,
		})
	}
	d.listeners.emit(snapshot.Version, snapshot)
}

func (d *Document) fail(generation uint64, err error) {
	d.mu.Lock()
	if d.closed || d.generation != generation {
		d.mu.Unlock()
		return
	}
	message := errorMessage(err)
	d.snapshot.IsLoading = false
	d.snapshot.LastError = message
	d.snapshot.State = StateError
	d.snapshot.Version = d.nextVersion()
	snapshot := d.snapshot.clone()
	collection := d.collection
	documentID := d.documentID
	d.mu.Unlock()

	d.service.logger.Warn("document delivery failed",
		zap.String("collection", collection),
		zap.String("document_id", documentID),
		zap.String("code", domain.RemoteCode(err)),
		zap.Error(err),
	)
	d.service.notifier.Notify(Notice{
		Kind:       NoticeError,
		Collection: collection,
		DocumentID: documentID,
		Message:    message,
	})
	d.listeners.emit(snapshot.Version, snapshot)
}

// nextVersion must be called with d.mu held.
func (d *Document) nextVersion() uint64 {
	d.version++
	return d.version
}
