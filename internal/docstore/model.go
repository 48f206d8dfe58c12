package docstore

// StoredDocument is one document row; fields are kept as a JSON object.
type StoredDocument struct {
	Path             string `gorm:"column:path;primaryKey;size:190;not null;index:idx_documents_path_created,priority:1"`
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtNanos   int64  `gorm:"column:created_at_ns;not null;index:idx_documents_path_created,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredDocument) TableName() string {
	return "documents"
}
