// Package store defines the capability set the sync layer consumes from the remote
// document store. Implementations live elsewhere (see internal/docstore).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// IDField is the key under which a document's store-assigned id is merged into its record.
const IDField = "id"

// Record is a schemaless document body keyed by field name.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	clone := make(Record, len(r))
	for key, value := range r {
		clone[key] = value
	}
	return clone
}

// Document is a stored record together with its store-assigned identifier.
type Document struct {
	ID     string
	Fields Record
}

// Merged returns the document fields with the id merged in under IDField.
func (d Document) Merged() Record {
	merged := d.Fields.Clone()
	if merged == nil {
		merged = Record{}
	}
	merged[IDField] = d.ID
	return merged
}

// Operator is a comparison applied by a Filter.
type Operator string

const (
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
)

// Valid reports whether the operator is supported.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	default:
		return false
	}
}

// Filter restricts a collection query to documents whose Field compares true against Value.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Query describes filters (ANDed in order) and an optional ascending sort field.
type Query struct {
	Filters []Filter
	OrderBy string
}

var (
	// ErrInvalidField indicates a filter or sort field name outside the accepted grammar.
	ErrInvalidField = errors.New("store: invalid field name")
	// ErrInvalidOperator indicates an unsupported filter operator.
	ErrInvalidOperator = errors.New("store: invalid operator")

	fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateField checks a field name used in a filter or sort clause.
func ValidateField(field string) error {
	if !fieldNamePattern.MatchString(field) {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return nil
}

// Validate checks every filter and the sort field.
func (q Query) Validate() error {
	for _, filter := range q.Filters {
		if err := ValidateField(filter.Field); err != nil {
			return err
		}
		if !filter.Operator.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidOperator, filter.Operator)
		}
	}
	if q.OrderBy != "" {
		if err := ValidateField(q.OrderBy); err != nil {
			return err
		}
	}
	return nil
}

// FiltersKey returns the stringified filter list used to detect parameter changes.
func FiltersKey(filters []Filter) string {
	if len(filters) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(filters)
	if err != nil {
		return fmt.Sprintf("%#v", filters)
	}
	return string(encoded)
}

// SnapshotFunc receives the full ordered result of a collection query.
type SnapshotFunc func(documents []Document)

// DocumentFunc receives a document, or nil when the document does not exist.
type DocumentFunc func(document *Document)

// ErrorFunc receives a change-feed delivery failure.
type ErrorFunc func(err error)

// Subscription is a live change-feed registration.
// Close must be idempotent and safe after the feed already ended.
type Subscription interface {
	Close()
}

// Store is the remote document store. Paths follow partitions/{key}/{collection}.
// Get returns (nil, nil) for an absent document. Delete of an absent document is a no-op.
type Store interface {
	Get(ctx context.Context, path, id string) (*Document, error)
	Add(ctx context.Context, path string, record Record) (string, error)
	Set(ctx context.Context, path, id string, record Record) error
	Update(ctx context.Context, path, id string, partial Record) error
	Delete(ctx context.Context, path, id string) error
	SubscribeCollection(path string, query Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
	SubscribeDocument(path, id string, onSnapshot DocumentFunc, onError ErrorFunc) (Subscription, error)
}

type funcSubscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel so that it runs at most once.
func NewSubscription(cancel func()) Subscription {
	return &funcSubscription{cancel: cancel}
}

func (s *funcSubscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
