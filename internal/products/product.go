// Package products holds the storefront's product entity, its record translation and
// the catalog operations that sit in front of the mutation gateway.
package products

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/shopspring/decimal"
)

const (
	// Collection is the collection name products live in.
	Collection = "products"
	// OrderField sorts the home page listing.
	OrderField = "createdAt"

	fieldName        = "name"
	fieldPrice       = "price"
	fieldDescription = "description"
	fieldImageURL    = "imageUrl"
	fieldCreatedAt   = "createdAt"
	fieldCreatedBy   = "createdBy"
)

// Product is an item offered for sale.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
	ImageURL    string          `json:"imageUrl"`
	CreatedAt   time.Time       `json:"createdAt"`
	CreatedBy   string          `json:"createdBy"`
}

// ToRecord converts the product into the field map written to the store.
// The id is never part of the record.
func (p Product) ToRecord() store.Record {
	return store.Record{
		fieldName:        p.Name,
		fieldPrice:       p.Price.InexactFloat64(),
		fieldDescription: p.Description,
		fieldImageURL:    p.ImageURL,
		fieldCreatedAt:   p.CreatedAt.UnixMilli(),
		fieldCreatedBy:   p.CreatedBy,
	}
}

// FromDocument translates a stored document into a Product. Missing or mistyped
// fields become zero values.
func FromDocument(document store.Document) Product {
	fields := document.Fields
	return Product{
		ID:          document.ID,
		Name:        stringField(fields, fieldName),
		Price:       decimalField(fields, fieldPrice),
		Description: stringField(fields, fieldDescription),
		ImageURL:    stringField(fields, fieldImageURL),
		CreatedAt:   timeField(fields, fieldCreatedAt),
		CreatedBy:   stringField(fields, fieldCreatedBy),
	}
}

// FromDocuments translates documents preserving their order.
func FromDocuments(documents []store.Document) []Product {
	products := make([]Product, 0, len(documents))
	for _, document := range documents {
		products = append(products, FromDocument(document))
	}
	return products
}

// Search keeps the products whose name contains query, ignoring case.
// An empty query keeps everything.
func Search(products []Product, query string) []Product {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return append([]Product(nil), products...)
	}
	matches := make([]Product, 0, len(products))
	for _, product := range products {
		if strings.Contains(strings.ToLower(product.Name), needle) {
			matches = append(matches, product)
		}
	}
	return matches
}

func stringField(fields store.Record, key string) string {
	if value, ok := fields[key].(string); ok {
		return value
	}
	return ""
}

func decimalField(fields store.Record, key string) decimal.Decimal {
	switch value := fields[key].(type) {
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return decimal.Zero
		}
		return decimal.NewFromFloat(value)
	case int64:
		return decimal.NewFromInt(value)
	case int:
		return decimal.NewFromInt(int64(value))
	case json.Number:
		if parsed, err := decimal.NewFromString(value.String()); err == nil {
			return parsed
		}
	case string:
		if parsed, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	case decimal.Decimal:
		return value
	}
	return decimal.Zero
}

func timeField(fields store.Record, key string) time.Time {
	switch value := fields[key].(type) {
	case float64:
		return time.UnixMilli(int64(value)).UTC()
	case int64:
		return time.UnixMilli(value).UTC()
	case int:
		return time.UnixMilli(int64(value)).UTC()
	case json.Number:
		if millis, err := value.Int64(); err == nil {
			return time.UnixMilli(millis).UTC()
		}
	case time.Time:
		return value.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
