package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
)

type fakeSubscription struct {
	owner  *fakeStore
	label  string
	mu     sync.Mutex
	closes int
}

func (s *fakeSubscription) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.owner.record("close:" + s.label)
}

func (s *fakeSubscription) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type collectionCall struct {
	path         string
	query        store.Query
	onSnapshot   store.SnapshotFunc
	onError      store.ErrorFunc
	subscription *fakeSubscription
}

type documentCall struct {
	path         string
	id           string
	onSnapshot   store.DocumentFunc
	onError      store.ErrorFunc
	subscription *fakeSubscription
}

// fakeStore records every call and hands captured callbacks back to the test so it can
// play the role of the change feed.
type fakeStore struct {
	mu              sync.Mutex
	log             []string
	collectionCalls []*collectionCall
	documentCalls   []*documentCall
	oneShotCalls    int
	subscribeErr    error
	nextID          string
}

func (f *fakeStore) record(entry string) {
	f.mu.Lock()
	f.log = append(f.log, entry)
	f.mu.Unlock()
}

func (f *fakeStore) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeStore) collections() []*collectionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*collectionCall(nil), f.collectionCalls...)
}

func (f *fakeStore) documents() []*documentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*documentCall(nil), f.documentCalls...)
}

func (f *fakeStore) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collectionCalls) + len(f.documentCalls) + f.oneShotCalls
}

func (f *fakeStore) oneShot() {
	f.mu.Lock()
	f.oneShotCalls++
	f.mu.Unlock()
}

func (f *fakeStore) Get(context.Context, string, string) (*store.Document, error) {
	f.oneShot()
	return nil, nil
}

func (f *fakeStore) Add(context.Context, string, store.Record) (string, error) {
	f.oneShot()
	return f.nextID, nil
}

func (f *fakeStore) Set(context.Context, string, string, store.Record) error {
	f.oneShot()
	return nil
}

func (f *fakeStore) Update(context.Context, string, string, store.Record) error {
	f.oneShot()
	return nil
}

func (f *fakeStore) Delete(context.Context, string, string) error {
	f.oneShot()
	return nil
}

func (f *fakeStore) SubscribeCollection(path string, query store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	f.mu.Lock()
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return nil, err
	}
	label := fmt.Sprintf("collection#%d", len(f.collectionCalls)+1)
	call := &collectionCall{
		path:         path,
		query:        query,
		onSnapshot:   onSnapshot,
		onError:      onError,
		subscription: &fakeSubscription{owner: f, label: label},
	}
	f.collectionCalls = append(f.collectionCalls, call)
	f.log = append(f.log, "open:"+label)
	f.mu.Unlock()
	return call.subscription, nil
}

func (f *fakeStore) SubscribeDocument(path, id string, onSnapshot store.DocumentFunc, onError store.ErrorFunc) (store.Subscription, error) {
	f.mu.Lock()
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return nil, err
	}
	label := fmt.Sprintf("document#%d", len(f.documentCalls)+1)
	call := &documentCall{
		path:         path,
		id:           id,
		onSnapshot:   onSnapshot,
		onError:      onError,
		subscription: &fakeSubscription{owner: f, label: label},
	}
	f.documentCalls = append(f.documentCalls, call)
	f.log = append(f.log, "open:"+label)
	f.mu.Unlock()
	return call.subscription, nil
}

type fakeIdentity struct {
	mu        sync.Mutex
	current   domain.Identity
	signedIn  bool
	nextID    int
	observers map[int]identity.ChangeFunc
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{observers: make(map[int]identity.ChangeFunc)}
}

func (f *fakeIdentity) CurrentIdentity() (domain.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.signedIn
}

func (f *fakeIdentity) OnIdentityChanged(observer identity.ChangeFunc) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.observers[id] = observer
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeIdentity) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeIdentity) signIn(uid string) {
	f.set(domain.Identity{UID: uid, Email: uid + "@market.com"}, true)
}

func (f *fakeIdentity) signOut() {
	f.set(domain.Identity{}, false)
}

func (f *fakeIdentity) set(current domain.Identity, signedIn bool) {
	f.mu.Lock()
	f.current = current
	f.signedIn = signedIn
	observers := make([]identity.ChangeFunc, 0, len(f.observers))
	for _, observer := range f.observers {
		observers = append(observers, observer)
	}
	f.mu.Unlock()
	for _, observer := range observers {
		observer(current, signedIn)
	}
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(notice Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, notice)
	r.mu.Unlock()
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func product(id, name string) store.Document {
	return store.Document{ID: id, Fields: store.Record{"name": name}}
}
