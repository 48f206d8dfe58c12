package products

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const placeholderImageBase = "https://source.unsplash.com/random/400x300?fish&sig="

var errMissingGateway = errors.New("products: gateway required")

// Mutator is the write path the catalog drives.
type Mutator interface {
	Validate(collection string, record store.Record, partial bool) (store.Record, error)
	Create(ctx context.Context, collection string, record store.Record) (string, error)
	Update(ctx context.Context, collection, id string, partial store.Record) error
	Delete(ctx context.Context, collection, id string) error
}

// Actor exposes the identity a catalog operation runs as.
type Actor interface {
	CurrentIdentity() (domain.Identity, bool)
}

// Input is the product form as submitted: price arrives as text.
type Input struct {
	Name        string `json:"name"`
	Price       string `json:"price"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

func (i Input) record() store.Record {
	return store.Record{
		fieldName:        strings.TrimSpace(i.Name),
		fieldPrice:       strings.TrimSpace(i.Price),
		fieldDescription: strings.TrimSpace(i.Description),
	}
}

// CatalogConfig describes the dependencies of a Catalog.
type CatalogConfig struct {
	Gateway  Mutator
	Clock    func() time.Time
	ImageURL func() string
	Logger   *zap.Logger
}

// Catalog creates, edits and removes products on behalf of an actor. Ownership checks
// here only spare the store a request that its own rules would refuse.
type Catalog struct {
	gateway  Mutator
	now      func() time.Time
	imageURL func() string
	logger   *zap.Logger
}

// NewCatalog constructs a Catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	imageURL := cfg.ImageURL
	if imageURL == nil {
		imageURL = func() string {
			return placeholderImageBase + uuid.NewString()
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		gateway:  cfg.Gateway,
		now:      clock,
		imageURL: imageURL,
		logger:   logger,
	}, nil
}

// Create validates the form, stamps ownership and creation time, and stores the product.
func (c *Catalog) Create(ctx context.Context, actor Actor, input Input) (Product, error) {
	current, ok := signedIn(actor)
	if !ok {
		return Product{}, domain.ErrUnauthenticated
	}
	normalized, err := c.gateway.Validate(Collection, input.record(), false)
	if err != nil {
		return Product{}, err
	}

	product := Product{
		Name:        stringField(normalized, fieldName),
		Price:       decimalField(normalized, fieldPrice),
		Description: stringField(normalized, fieldDescription),
		ImageURL:    strings.TrimSpace(input.ImageURL),
		CreatedAt:   c.now().UTC().Truncate(time.Millisecond),
		CreatedBy:   current.UID,
	}
	if product.ImageURL == "" {
		product.ImageURL = c.imageURL()
	}

	id, err := c.gateway.Create(ctx, Collection, product.ToRecord())
	if err != nil {
		return Product{}, err
	}
	product.ID = id
	c.logger.Info("product created", zap.String("product_id", id), zap.String("uid", current.UID))
	return product, nil
}

// Update replaces name, price and description of a product the actor created.
func (c *Catalog) Update(ctx context.Context, actor Actor, product Product, input Input) (Product, error) {
	if err := authorize(actor, product); err != nil {
		return Product{}, err
	}
	normalized, err := c.gateway.Validate(Collection, input.record(), false)
	if err != nil {
		return Product{}, err
	}
	if imageURL := strings.TrimSpace(input.ImageURL); imageURL != "" {
		normalized[fieldImageURL] = imageURL
	}
	if err := c.gateway.Update(ctx, Collection, product.ID, normalized); err != nil {
		return Product{}, err
	}
	product.Name = stringField(normalized, fieldName)
	product.Price = decimalField(normalized, fieldPrice)
	product.Description = stringField(normalized, fieldDescription)
	if imageURL, ok := normalized[fieldImageURL]; ok {
		product.ImageURL, _ = imageURL.(string)
	}
	return product, nil
}

// Delete removes a product the actor created.
func (c *Catalog) Delete(ctx context.Context, actor Actor, product Product) error {
	if err := authorize(actor, product); err != nil {
		return err
	}
	if err := c.gateway.Delete(ctx, Collection, product.ID); err != nil {
		return err
	}
	c.logger.Info("product deleted", zap.String("product_id", product.ID))
	return nil
}

// CanEdit reports whether actor created product.
func CanEdit(actor Actor, product Product) bool {
	return authorize(actor, product) == nil
}

func authorize(actor Actor, product Product) error {
	current, ok := signedIn(actor)
	if !ok {
		return domain.ErrUnauthenticated
	}
	if product.CreatedBy == "" || product.CreatedBy != current.UID {
		return domain.ErrForbidden
	}
	return nil
}

func signedIn(actor Actor) (domain.Identity, bool) {
	if actor == nil {
		return domain.Identity{}, false
	}
	current, ok := actor.CurrentIdentity()
	if !ok || current.UID == "" {
		return domain.Identity{}, false
	}
	return current, true
}
