// Package partition resolves the tenant namespace that scopes every store path.
package partition

import (
	"errors"
	"fmt"
	"strings"
)

const pathRoot = "partitions"

// ErrEmptyKey indicates a partition key was not configured.
var ErrEmptyKey = errors.New("partition: key required")

// Resolver returns the partition key for all store operations.
type Resolver interface {
	Key() string
}

// Static is a Resolver backed by one key fixed per deployment.
type Static struct {
	key string
}

// NewStatic validates key and returns a Static resolver.
func NewStatic(key string) (Static, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return Static{}, ErrEmptyKey
	}
	if strings.Contains(trimmed, "/") {
		return Static{}, fmt.Errorf("partition: key %q must not contain '/'", trimmed)
	}
	return Static{key: trimmed}, nil
}

// Key returns the configured partition key.
func (s Static) Key() string {
	return s.key
}

// CollectionPath returns partitions/{key}/{collection}.
func CollectionPath(resolver Resolver, collection string) string {
	return pathRoot + "/" + resolver.Key() + "/" + collection
}

// DocumentPath returns partitions/{key}/{collection}/{id}.
func DocumentPath(resolver Resolver, collection, id string) string {
	return CollectionPath(resolver, collection) + "/" + id
}
