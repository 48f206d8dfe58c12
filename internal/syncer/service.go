package syncer

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("syncer: store required")
	errMissingIdentity  = errors.New("syncer: identity source required")
	errMissingPartition = errors.New("syncer: partition resolver required")

	// ErrEmptyCollection is returned when a subscription names no collection.
	ErrEmptyCollection = errors.New("syncer: collection name required")
)

// Config describes the collaborators shared by every synchronizer of one client.
type Config struct {
	Store      store.Store
	Identity   identity.Source
	Partitions partition.Resolver
	Notifier   Notifier
	Logger     *zap.Logger
}

// Service creates synchronizers bound to one identity source.
type Service struct {
	store      store.Store
	identity   identity.Source
	partitions partition.Resolver
	notifier   Notifier
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.Partitions == nil {
		return nil, errMissingPartition
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}
	return &Service{
		store:      cfg.Store,
		identity:   cfg.Identity,
		partitions: cfg.Partitions,
		notifier:   notifier,
		logger:     logger,
	}, nil
}

// SubscribeCollection returns a live view of collection narrowed by query.
// Without a signed-in identity the view stays empty and no store call is made.
func (s *Service) SubscribeCollection(collection string, query store.Query) (*Collection, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, ErrEmptyCollection
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	view := newCollection(s, collection, query)
	view.start()
	return view, nil
}

// SubscribeDocument returns a live view of one document. An empty id yields an
// idle view that never touches the store.
func (s *Service) SubscribeDocument(collection, documentID string) (*Document, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, ErrEmptyCollection
	}
	view := newDocument(s, collection, strings.TrimSpace(documentID))
	view.start()
	return view, nil
}
