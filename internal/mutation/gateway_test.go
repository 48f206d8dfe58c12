package mutation

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type storeCall struct {
	method string
	path   string
	id     string
	record store.Record
}

type recordingStore struct {
	calls     []storeCall
	documents map[string]*store.Document
	nextID    string
	err       error
}

func (r *recordingStore) Get(_ context.Context, path, id string) (*store.Document, error) {
	r.calls = append(r.calls, storeCall{method: "get", path: path, id: id})
	if r.err != nil {
		return nil, r.err
	}
	return r.documents[id], nil
}

func (r *recordingStore) Add(_ context.Context, path string, record store.Record) (string, error) {
	r.calls = append(r.calls, storeCall{method: "add", path: path, record: record})
	if r.err != nil {
		return "", r.err
	}
	return r.nextID, nil
}

func (r *recordingStore) Set(_ context.Context, path, id string, record store.Record) error {
	r.calls = append(r.calls, storeCall{method: "set", path: path, id: id, record: record})
	return r.err
}

func (r *recordingStore) Update(_ context.Context, path, id string, record store.Record) error {
	r.calls = append(r.calls, storeCall{method: "update", path: path, id: id, record: record})
	return r.err
}

func (r *recordingStore) Delete(_ context.Context, path, id string) error {
	r.calls = append(r.calls, storeCall{method: "delete", path: path, id: id})
	return r.err
}

func (r *recordingStore) SubscribeCollection(string, store.Query, store.SnapshotFunc, store.ErrorFunc) (store.Subscription, error) {
	return nil, errors.New("not used")
}

func (r *recordingStore) SubscribeDocument(string, string, store.DocumentFunc, store.ErrorFunc) (store.Subscription, error) {
	return nil, errors.New("not used")
}

func newTestGateway(t *testing.T, backing *recordingStore, logger *zap.Logger) *Gateway {
	t.Helper()
	resolver, err := partition.NewStatic("fishmarket")
	require.NoError(t, err)
	gateway, err := NewGateway(GatewayConfig{
		Store:      backing,
		Partitions: resolver,
		Schemas:    map[string]Schema{"products": ProductSchema},
		Logger:     logger,
	})
	require.NoError(t, err)
	return gateway
}

func TestCreateRejectsInvalidRecordsWithoutStoreCalls(t *testing.T) {
	cases := map[string]struct {
		record store.Record
		fields []string
	}{
		"empty name":           {record: store.Record{"name": " ", "price": "10", "description": "Fresh"}, fields: []string{"name"}},
		"non numeric price":    {record: store.Record{"name": "Salmon", "price": "abc", "description": "Fresh"}, fields: []string{"price"}},
		"negative price":       {record: store.Record{"name": "Salmon", "price": -1.5, "description": "Fresh"}, fields: []string{"price"}},
		"empty description":    {record: store.Record{"name": "Salmon", "price": "10", "description": ""}, fields: []string{"description"}},
		"everything missing":   {record: store.Record{}, fields: []string{"name", "price", "description"}},
		"price and name wrong": {record: store.Record{"name": "", "price": "x", "description": "ok"}, fields: []string{"name", "price"}},
		"overflowing price":    {record: store.Record{"name": "Salmon", "price": "1e400", "description": "Fresh"}, fields: []string{"price"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			backing := &recordingStore{nextID: "unused"}
			gateway := newTestGateway(t, backing, nil)

			id, err := gateway.Create(context.Background(), "products", tc.record)
			require.Error(t, err)
			assert.Empty(t, id)
			assert.ErrorIs(t, err, domain.ErrValidation)

			var validationErr *domain.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.fields, validationErr.Fields())
			assert.Empty(t, backing.calls)
		})
	}
}

func TestValidateReportsOverflowingNumberAsNotFinite(t *testing.T) {
	gateway := newTestGateway(t, &recordingStore{}, nil)

	normalized, err := gateway.Validate("products", store.Record{"price": "1e400"}, true)
	assert.Nil(t, normalized)
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Len(t, validationErr.Errors, 1)
	assert.Equal(t, "price", validationErr.Errors[0].Field)
	assert.Equal(t, "must be finite", validationErr.Errors[0].Message)
}

func TestCreateNormalizesNumericText(t *testing.T) {
	backing := &recordingStore{nextID: "b"}
	gateway := newTestGateway(t, backing, nil)

	id, err := gateway.Create(context.Background(), "products", store.Record{
		"id":          "ignored",
		"name":        "Cod",
		"price":       " 12.50 ",
		"description": "Line caught",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	require.Len(t, backing.calls, 1)
	call := backing.calls[0]
	assert.Equal(t, "add", call.method)
	assert.Equal(t, "partitions/fishmarket/products", call.path)
	assert.Equal(t, 12.5, call.record["price"])
	assert.NotContains(t, call.record, "id")
}

func TestValidateAcceptsDecimalAndPartialRecords(t *testing.T) {
	gateway := newTestGateway(t, &recordingStore{}, nil)

	normalized, err := gateway.Validate("products", store.Record{"price": decimal.RequireFromString("3.25")}, true)
	require.NoError(t, err)
	assert.Equal(t, 3.25, normalized["price"])

	_, err = gateway.Validate("products", store.Record{"name": ""}, true)
	assert.ErrorIs(t, err, domain.ErrValidation)

	normalized, err = gateway.Validate("members", store.Record{"email": "a@b.co"}, false)
	require.NoError(t, err)
	assert.Equal(t, "a@b.co", normalized["email"])
}

func TestReadReturnsNilForAbsentDocument(t *testing.T) {
	backing := &recordingStore{documents: map[string]*store.Document{
		"a": {ID: "a", Fields: store.Record{"name": "Salmon"}},
	}}
	gateway := newTestGateway(t, backing, nil)

	record, err := gateway.Read(context.Background(), "products", "a")
	require.NoError(t, err)
	assert.Equal(t, store.Record{"id": "a", "name": "Salmon"}, record)

	record, err = gateway.Read(context.Background(), "products", "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUpdateWritesOnlySuppliedFields(t *testing.T) {
	backing := &recordingStore{}
	gateway := newTestGateway(t, backing, nil)

	require.NoError(t, gateway.Update(context.Background(), "products", "a", store.Record{"price": 9.0}))
	require.Len(t, backing.calls, 1)
	assert.Equal(t, storeCall{
		method: "update",
		path:   "partitions/fishmarket/products",
		id:     "a",
		record: store.Record{"price": 9.0},
	}, backing.calls[0])

	require.NoError(t, gateway.Update(context.Background(), "products", "a", store.Record{}))
	assert.Len(t, backing.calls, 1)
}

func TestDeleteOfMissingDocumentSucceeds(t *testing.T) {
	backing := &recordingStore{}
	gateway := newTestGateway(t, backing, nil)

	require.NoError(t, gateway.Delete(context.Background(), "products", "nonexistent"))
	require.Len(t, backing.calls, 1)
	assert.Equal(t, "delete", backing.calls[0].method)
}

func TestStoreFailuresBecomeRemoteErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	backing := &recordingStore{err: errors.New("connection reset")}
	gateway := newTestGateway(t, backing, zap.New(core))

	err := gateway.Delete(context.Background(), "products", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, domain.CodeUnknown, domain.RemoteCode(err))

	backing.err = domain.NewRemoteError(domain.CodeUnavailable, "offline", nil)
	_, err = gateway.Create(context.Background(), "products", store.Record{"name": "a", "price": 1, "description": "b"})
	assert.Equal(t, domain.CodeUnavailable, domain.RemoteCode(err))

	entries := logs.FilterMessage("store call failed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, operationDelete, entries[0].ContextMap()["operation"])
}

func TestSetRegistersMember(t *testing.T) {
	backing := &recordingStore{}
	gateway := newTestGateway(t, backing, nil)

	err := gateway.Set(context.Background(), "members", "u1", store.Record{"email": "one@market.com", "roles": []string{"member"}})
	require.NoError(t, err)
	require.Len(t, backing.calls, 1)
	assert.Equal(t, "set", backing.calls[0].method)
	assert.Equal(t, "partitions/fishmarket/members", backing.calls[0].path)
	assert.Equal(t, "u1", backing.calls[0].id)

	err = gateway.Set(context.Background(), "members", " ", store.Record{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, backing.calls, 1)
}
