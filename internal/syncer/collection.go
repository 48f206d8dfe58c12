package syncer

import (
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"go.uber.org/zap"
)

// CollectionSnapshot is the observable state of a Collection.
type CollectionSnapshot struct {
	Items     []store.Document `json:"items"`
	IsLoading bool             `json:"isLoading"`
	LastError string           `json:"lastError,omitempty"`
	State     State            `json:"state"`
	Version   uint64           `json:"version"`
}

// Settled reports whether the snapshot reflects a delivery or a terminal idle state.
func (s CollectionSnapshot) Settled() bool {
	return !s.IsLoading
}

func (s CollectionSnapshot) clone() CollectionSnapshot {
	s.Items = append([]store.Document(nil), s.Items...)
	return s
}

// Collection is a live, ordered view of a filtered and sorted collection.
// OnChange listeners must not call Retarget or Close.
type Collection struct {
	service *Service

	reconcileMu sync.Mutex

	mu            sync.Mutex
	collection    string
	query         store.Query
	key           string
	reconciled    bool
	handle        store.Subscription
	generation    uint64
	version       uint64
	snapshot      CollectionSnapshot
	closed        bool
	stopIdentity  func()
	listeners     listeners[CollectionSnapshot]
	subscriptions int
}

func newCollection(service *Service, collection string, query store.Query) *Collection {
	return &Collection{
		service:    service,
		collection: collection,
		query:      query,
		snapshot:   CollectionSnapshot{Items: []store.Document{}, State: StateIdle},
	}
}

func (c *Collection) start() {
	stop := c.service.identity.OnIdentityChanged(func(domain.Identity, bool) {
		c.reconcile()
	})
	c.mu.Lock()
	c.stopIdentity = stop
	c.mu.Unlock()
	c.reconcile()
}

// Snapshot returns a copy of the current state.
func (c *Collection) Snapshot() CollectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.clone()
}

// OnChange registers fn for every newer snapshot and returns its cancel function.
func (c *Collection) OnChange(fn func(CollectionSnapshot)) func() {
	return c.listeners.add(fn)
}

// Retarget points the view at new parameters. An unchanged target is a no-op.
func (c *Collection) Retarget(collection string, query store.Query) error {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return ErrEmptyCollection
	}
	if err := query.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.collection = collection
	c.query = query
	c.mu.Unlock()
	c.reconcile()
	return nil
}

// Close releases the store subscription and the identity observer. Later deliveries
// are ignored. Close is idempotent.
func (c *Collection) Close() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	handle := c.handle
	c.handle = nil
	stop := c.stopIdentity
	c.stopIdentity = nil
	c.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if stop != nil {
		stop()
	}
}

// SubscriptionCount reports how many store subscriptions the view has opened.
func (c *Collection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions
}

func (c *Collection) reconcile() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	current, signedIn := c.service.identity.CurrentIdentity()
	uid := ""
	if signedIn {
		uid = current.UID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	collection := c.collection
	query := c.query
	key := subscriptionKey(collection, store.FiltersKey(query.Filters), query.OrderBy, uid)
	if c.reconciled && key == c.key {
		c.mu.Unlock()
		return
	}
	c.reconciled = true
	c.key = key
	c.generation++
	generation := c.generation
	previous := c.handle
	c.handle = nil
	if signedIn {
		c.snapshot = CollectionSnapshot{Items: []store.Document{}, IsLoading: true, State: StateSubscribing}
	} else {
		c.snapshot = CollectionSnapshot{Items: []store.Document{}, State: StateIdle}
	}
	c.snapshot.Version = c.nextVersion()
	snapshot := c.snapshot.clone()
	c.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	c.listeners.emit(snapshot.Version, snapshot)

	if !signedIn {
		c.service.logger.Debug("collection view idle", zap.String("collection", collection))
		return
	}

	path := partition.CollectionPath(c.service.partitions, collection)
	handle, err := c.service.store.SubscribeCollection(path, query,
		func(documents []store.Document) { c.deliver(generation, documents) },
		func(err error) { c.fail(generation, err) },
	)
	if err != nil {
		c.fail(generation, err)
		return
	}

	c.mu.Lock()
	if c.closed || c.generation != generation {
		c.mu.Unlock()
		handle.Close()
		return
	}
	c.handle = handle
	c.subscriptions++
	c.mu.Unlock()
	c.service.logger.Debug("collection view subscribed",
		zap.String("collection", collection),
		zap.String("path", path),
		zap.String("uid", uid),
	)
}

func (c *Collection) deliver(generation uint64, documents []store.Document) {
	c.mu.Lock()
	if c.closed || c.generation != generation {
		c.mu.Unlock()
		return
	}
	items := append([]store.Document{}, documents...)
	c.snapshot = CollectionSnapshot{
		Items:   items,
		State:   StateActive,
		Version: c.nextVersion(),
	}
	snapshot := c.snapshot.clone()
	c.mu.Unlock()

	c.listeners.emit(snapshot.Version, snapshot)
}

func (c *Collection) fail(generation uint64, err error) {
	c.mu.Lock()
	if c.closed || c.generation != generation {
		c.mu.Unlock()
		return
	}
	message := errorMessage(err)
	c.snapshot.IsLoading = false
	c.snapshot.LastError = message
	c.snapshot.State = StateError
	c.snapshot.Version = c.nextVersion()
	snapshot := c.snapshot.clone()
	collection := c.collection
	c.mu.Unlock()

	c.service.logger.Warn("collection delivery failed",
		zap.String("collection", collection),
		zap.String("code", domain.RemoteCode(err)),
		zap.Error(err),
	)
	c.service.notifier.Notify(Notice{Kind: NoticeError, Collection: collection, Message: message})
	c.listeners.emit(snapshot.Version, snapshot)
}

// nextVersion must be called with c.mu held.
func (c *Collection) nextVersion() uint64 {
	c.version++
	return c.version
}

func subscriptionKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
