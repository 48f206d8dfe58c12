package docstore

import (
	"context"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/feed"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"go.uber.org/zap"
)

// feedSubscription runs one delivery goroutine; callbacks for a subscription are
// therefore never concurrent and arrive in query order.
type feedSubscription struct {
	store.Subscription
	closed atomic.Bool
}

func (s *Service) newFeedSubscription(path string) (context.Context, <-chan feed.Event, *feedSubscription) {
	ctx, cancel := context.WithCancel(context.Background())
	events, cleanup := s.bus.Subscribe(ctx, path)
	subscription := &feedSubscription{}
	subscription.Subscription = store.NewSubscription(func() {
		subscription.closed.Store(true)
		cancel()
		cleanup()
	})
	return ctx, events, subscription
}

func (f *feedSubscription) active() bool {
	return !f.closed.Load()
}

// SubscribeCollection delivers the current query result, then a fresh result after
// every change event on path. Query failures go to onError and the feed keeps running.
func (s *Service) SubscribeCollection(path string, query store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	if err := validatePath(path); err != nil {
		return nil, s.fail(opSubscribeCollection, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	if err := query.Validate(); err != nil {
		return nil, s.fail(opSubscribeCollection, "invalid_query", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	ctx, events, subscription := s.newFeedSubscription(path)

	deliver := func() {
		documents, err := s.queryCollection(ctx, path, query)
		if ctx.Err() != nil || !subscription.active() {
			return
		}
		if err != nil {
			s.logError(opQueryCollection, "query_failed", err, zap.String(fieldPath, path))
			if onError != nil {
				onError(domain.NewRemoteError(domain.CodeUnavailable, "", newServiceError(opQueryCollection, "query_failed", err)))
			}
			return
		}
		if onSnapshot != nil {
			onSnapshot(documents)
		}
	}

	go s.runFeed(ctx, events, func(feed.Event) bool { return true }, deliver)
	return subscription, nil
}

// SubscribeDocument delivers the document (nil when absent), then again after every
// change event that touches it.
func (s *Service) SubscribeDocument(path, id string, onSnapshot store.DocumentFunc, onError store.ErrorFunc) (store.Subscription, error) {
	if err := validateLocation(path, id); err != nil {
		return nil, s.fail(opSubscribeDocument, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	ctx, events, subscription := s.newFeedSubscription(path)

	deliver := func() {
		document, err := s.Get(ctx, path, id)
		if ctx.Err() != nil || !subscription.active() {
			return
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onSnapshot != nil {
			onSnapshot(document)
		}
	}

	touches := func(event feed.Event) bool { return event.Touches(id) }
	go s.runFeed(ctx, events, touches, deliver)
	return subscription, nil
}

func (s *Service) runFeed(ctx context.Context, events <-chan feed.Event, relevant func(feed.Event) bool, deliver func()) {
	deliver()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			deliver()
		}
	}
}
