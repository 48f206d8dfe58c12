// Package mutation validates records and translates create, read, update and delete
// requests into remote store calls. It performs no authorization.
package mutation

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"go.uber.org/zap"
)

const (
	operationCreate = "mutation.create"
	operationRead   = "mutation.read"
	operationUpdate = "mutation.update"
	operationDelete = "mutation.delete"
	operationSet    = "mutation.set"
)

var (
	errMissingStore     = errors.New("mutation: store required")
	errMissingPartition = errors.New("mutation: partition resolver required")
)

// GatewayConfig describes the dependencies of a Gateway.
type GatewayConfig struct {
	Store      store.Store
	Partitions partition.Resolver
	// Schemas maps collection names to their constraints. Collections without a
	// schema accept any record.
	Schemas map[string]Schema
	Logger  *zap.Logger
}

// Gateway is the single write path to the remote store.
type Gateway struct {
	store      store.Store
	partitions partition.Resolver
	schemas    map[string]Schema
	logger     *zap.Logger
}

// NewGateway validates the configuration and constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Partitions == nil {
		return nil, errMissingPartition
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	schemas := make(map[string]Schema, len(cfg.Schemas))
	for name, schema := range cfg.Schemas {
		schemas[name] = schema
	}
	return &Gateway{
		store:      cfg.Store,
		partitions: cfg.Partitions,
		schemas:    schemas,
		logger:     logger,
	}, nil
}

// Validate checks record against the collection schema and returns the normalized
// record that would be written.
func (g *Gateway) Validate(collection string, record store.Record, partial bool) (store.Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	schema, ok := g.schemas[collection]
	if !ok {
		normalized := record.Clone()
		if normalized == nil {
			normalized = store.Record{}
		}
		delete(normalized, store.IDField)
		return normalized, nil
	}
	return schema.Validate(record, partial)
}

// Create validates record and adds it, returning the store-assigned id.
// An invalid record never reaches the store.
func (g *Gateway) Create(ctx context.Context, collection string, record store.Record) (string, error) {
	normalized, err := g.Validate(collection, record, false)
	if err != nil {
		return "", err
	}
	id, err := g.store.Add(ctx, g.path(collection), normalized)
	if err != nil {
		return "", g.remote(operationCreate, collection, "", err)
	}
	g.logger.Debug("document created", zap.String("collection", collection), zap.String("document_id", id))
	return id, nil
}

// Read returns the record with its id merged in, or nil when it does not exist.
func (g *Gateway) Read(ctx context.Context, collection, id string) (store.Record, error) {
	if err := checkLocation(collection, id); err != nil {
		return nil, err
	}
	document, err := g.store.Get(ctx, g.path(collection), id)
	if err != nil {
		return nil, g.remote(operationRead, collection, id, err)
	}
	if document == nil {
		return nil, nil
	}
	return document.Merged(), nil
}

// Update writes only the supplied fields. It neither validates nor re-reads the
// document; callers that need validation run Validate with partial set first.
func (g *Gateway) Update(ctx context.Context, collection, id string, partial store.Record) error {
	if err := checkLocation(collection, id); err != nil {
		return err
	}
	fields := partial.Clone()
	delete(fields, store.IDField)
	if len(fields) == 0 {
		return nil
	}
	if err := g.store.Update(ctx, g.path(collection), id, fields); err != nil {
		return g.remote(operationUpdate, collection, id, err)
	}
	return nil
}

// Delete removes the document. Deleting a missing document succeeds.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	if err := checkLocation(collection, id); err != nil {
		return err
	}
	if err := g.store.Delete(ctx, g.path(collection), id); err != nil {
		return g.remote(operationDelete, collection, id, err)
	}
	return nil
}

// Set writes record under a caller-chosen id, replacing any existing document.
func (g *Gateway) Set(ctx context.Context, collection, id string, record store.Record) error {
	if err := checkLocation(collection, id); err != nil {
		return err
	}
	normalized, err := g.Validate(collection, record, false)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, g.path(collection), id, normalized); err != nil {
		return g.remote(operationSet, collection, id, err)
	}
	return nil
}

func (g *Gateway) path(collection string) string {
	return partition.CollectionPath(g.partitions, collection)
}

func (g *Gateway) remote(operation, collection, id string, err error) error {
	remoteErr := domain.AsRemoteError(err)
	g.logger.Warn("store call failed",
		zap.String("operation", operation),
		zap.String("reason", remoteErr.Code),
		zap.String("collection", collection),
		zap.String("document_id", id),
		zap.Error(err),
	)
	return remoteErr
}

func checkCollection(collection string) error {
	if strings.TrimSpace(collection) == "" {
		return domain.NewValidationError("collection", messageRequired)
	}
	return nil
}

func checkLocation(collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return domain.NewValidationError(store.IDField, messageRequired)
	}
	return nil
}
