// Package docstore implements store.Store on a SQLite documents table and pushes
// query snapshots to subscribers whenever a write touches their path.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/feed"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIdentifierLength = 190

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingBus        = errors.New("change bus is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidPath       = errors.New("document path is invalid")
	errInvalidDocumentID = errors.New("document id is invalid")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an "<operation>.<reason>" code for internal failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "docstore.service.new"
	opGet                 = "docstore.get"
	opAdd                 = "docstore.add"
	opSet                 = "docstore.set"
	opUpdate              = "docstore.update"
	opDelete              = "docstore.delete"
	opSubscribeCollection = "docstore.subscribe_collection"
	opSubscribeDocument   = "docstore.subscribe_document"
	opQueryCollection     = "docstore.query_collection"

	fieldPath       = "path"
	fieldDocumentID = "document_id"
	queryPath       = fieldPath + " = ?"
	queryPathID     = fieldPath + " = ? AND " + fieldDocumentID + " = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Bus        feed.Bus
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is a store.Store backed by gorm.
type Service struct {
	db         *gorm.DB
	bus        feed.Bus
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

var _ store.Store = (*Service)(nil)

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Bus == nil {
		return nil, newServiceError(opServiceNew, "missing_bus", errMissingBus)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		bus:        cfg.Bus,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Get returns the document or (nil, nil) when it does not exist.
func (s *Service) Get(ctx context.Context, path, id string) (*store.Document, error) {
	if err := validateLocation(path, id); err != nil {
		return nil, s.fail(opGet, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	var row StoredDocument
	err := s.db.WithContext(ctx).Where(queryPathID, path, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(opGet, "select_failed", domain.CodeUnavailable, err, zap.String(fieldPath, path), zap.String(fieldDocumentID, id))
	}
	document, err := decodeRow(row)
	if err != nil {
		return nil, s.fail(opGet, "decode_failed", domain.CodeInternal, err, zap.String(fieldPath, path), zap.String(fieldDocumentID, id))
	}
	return &document, nil
}

// Add stores record under a fresh identifier and returns it.
func (s *Service) Add(ctx context.Context, path string, record store.Record) (string, error) {
	if err := validatePath(path); err != nil {
		return "", s.fail(opAdd, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", s.fail(opAdd, "id_generation_failed", domain.CodeInternal, err, zap.String(fieldPath, path))
	}
	fieldsJSON, err := encodeFields(record)
	if err != nil {
		return "", s.fail(opAdd, "encode_failed", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	now := s.clock().UTC()
	row := StoredDocument{
		Path:             path,
		DocumentID:       id,
		FieldsJSON:       fieldsJSON,
		CreatedAtNanos:   now.UnixNano(),
		UpdatedAtSeconds: now.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", s.fail(opAdd, "insert_failed", domain.CodeUnavailable, err, zap.String(fieldPath, path))
	}
	s.publish(ctx, path, id)
	return id, nil
}

// Set writes record under id, replacing any previous fields.
func (s *Service) Set(ctx context.Context, path, id string, record store.Record) error {
	if err := validateLocation(path, id); err != nil {
		return s.fail(opSet, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	fieldsJSON, err := encodeFields(record)
	if err != nil {
		return s.fail(opSet, "encode_failed", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	now := s.clock().UTC()
	row := StoredDocument{
		Path:             path,
		DocumentID:       id,
		FieldsJSON:       fieldsJSON,
		CreatedAtNanos:   now.UnixNano(),
		UpdatedAtSeconds: now.Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldPath}, {Name: fieldDocumentID}},
		DoUpdates: clause.AssignmentColumns([]string{"fields_json", "updated_at_s"}),
	}).Create(&row).Error
	if err != nil {
		return s.fail(opSet, "upsert_failed", domain.CodeUnavailable, err, zap.String(fieldPath, path), zap.String(fieldDocumentID, id))
	}
	s.publish(ctx, path, id)
	return nil
}

// Update merges partial into an existing document. A missing document is a not-found RemoteError.
func (s *Service) Update(ctx context.Context, path, id string, partial store.Record) error {
	if err := validateLocation(path, id); err != nil {
		return s.fail(opUpdate, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	var notFound bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row StoredDocument
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryPathID, path, id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound = true
			return err
		}
		if err != nil {
			return newServiceError(opUpdate, "select_failed", err)
		}
		existing, err := decodeRow(row)
		if err != nil {
			return newServiceError(opUpdate, "decode_failed", err)
		}
		merged := existing.Fields
		if merged == nil {
			merged = store.Record{}
		}
		for key, value := range partial {
			merged[key] = value
		}
		fieldsJSON, err := encodeFields(merged)
		if err != nil {
			return newServiceError(opUpdate, "encode_failed", err)
		}
		return tx.Model(&StoredDocument{}).
			Where(queryPathID, path, id).
			Updates(map[string]any{
				"fields_json":  fieldsJSON,
				"updated_at_s": s.clock().UTC().Unix(),
			}).Error
	})
	if notFound {
		s.logger.Info("document update rejected", zap.String(fieldPath, path), zap.String(fieldDocumentID, id))
		return domain.NewRemoteError(domain.CodeNotFound, fmt.Sprintf("no document to update: %s/%s", path, id), nil)
	}
	if txErr != nil {
		return s.fail(opUpdate, "write_failed", domain.CodeUnavailable, txErr, zap.String(fieldPath, path), zap.String(fieldDocumentID, id))
	}
	s.publish(ctx, path, id)
	return nil
}

// Delete removes the document; deleting an absent document succeeds.
func (s *Service) Delete(ctx context.Context, path, id string) error {
	if err := validateLocation(path, id); err != nil {
		return s.fail(opDelete, "invalid_argument", domain.CodeInvalidArgument, err, zap.String(fieldPath, path))
	}
	result := s.db.WithContext(ctx).Where(queryPathID, path, id).Delete(&StoredDocument{})
	if result.Error != nil {
		return s.fail(opDelete, "delete_failed", domain.CodeUnavailable, result.Error, zap.String(fieldPath, path), zap.String(fieldDocumentID, id))
	}
	if result.RowsAffected > 0 {
		s.publish(ctx, path, id)
	}
	return nil
}

func (s *Service) queryCollection(ctx context.Context, path string, query store.Query) ([]store.Document, error) {
	tx := s.db.WithContext(ctx).Where(queryPath, path)
	for _, filter := range query.Filters {
		tx = tx.Where(
			fmt.Sprintf("%s %s ?", jsonFieldExpr(filter.Field), sqlOperator(filter.Operator)),
			sqlValue(filter.Value),
		)
	}
	if query.OrderBy != "" {
		expr := jsonFieldExpr(query.OrderBy)
		tx = tx.Where(expr + " IS NOT NULL").Order(expr + " ASC")
	}
	var rows []StoredDocument
	if err := tx.Order("created_at_ns ASC").Order("document_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	documents := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		document, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func (s *Service) publish(ctx context.Context, path, id string) {
	event := feed.Event{
		Topic:       path,
		DocumentIDs: []string{id},
		Timestamp:   s.clock().UTC(),
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("change event publish failed",
			zap.String(fieldPath, path),
			zap.String(fieldDocumentID, id),
			zap.Error(err))
	}
}

func (s *Service) fail(operation, reason, code string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return domain.NewRemoteError(code, "", newServiceError(operation, reason, err))
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("document store error", attrs...)
}

func validatePath(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed != path || len(path) > maxIdentifierLength {
		return fmt.Errorf("%w: %q", errInvalidPath, path)
	}
	return nil
}

func validateLocation(path, id string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") || len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: %q", errInvalidDocumentID, id)
	}
	return nil
}

func encodeFields(record store.Record) (string, error) {
	fields := make(store.Record, len(record))
	for key, value := range record {
		if key == store.IDField {
			continue
		}
		if timestamp, ok := value.(time.Time); ok {
			value = timestamp.UTC().UnixMilli()
		}
		fields[key] = value
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeRow(row StoredDocument) (store.Document, error) {
	fields := store.Record{}
	if row.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(row.FieldsJSON), &fields); err != nil {
			return store.Document{}, err
		}
	}
	return store.Document{ID: row.DocumentID, Fields: fields}, nil
}

// jsonFieldExpr is only called with names that passed store.ValidateField.
func jsonFieldExpr(field string) string {
	return fmt.Sprintf("json_extract(fields_json, '$.%s')", field)
}

func sqlOperator(op store.Operator) string {
	switch op {
	case store.OpEqual:
		return "="
	case store.OpNotEqual:
		return "<>"
	default:
		return string(op)
	}
}

func sqlValue(value any) any {
	switch typed := value.(type) {
	case bool:
		if typed {
			return 1
		}
		return 0
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return parsed
		}
		return typed.String()
	case time.Time:
		return typed.UTC().UnixMilli()
	default:
		return value
	}
}
