package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/auth"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/mutation"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/products"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultSettleTimeout     = 10 * time.Second
)

var (
	errMissingStore       = errors.New("store dependency required")
	errMissingPartitions  = errors.New("partition resolver dependency required")
	errMissingDirectory   = errors.New("identity directory dependency required")
	errMissingSessions    = errors.New("session registry dependency required")
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingValidator   = errors.New("session validator dependency required")
	errMissingRevocations = errors.New("session revocation dependency required")
)

// SessionTokenIssuer mints session tokens after sign-in or sign-up.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, sessionID string, identity domain.Identity) (string, int64, error)
}

// SessionTokenValidator recognizes session tokens on incoming requests.
type SessionTokenValidator interface {
	TokenFromRequest(r *http.Request) string
	ValidateToken(token string) (auth.SessionClaims, error)
}

// SessionRevocations persists sign-outs so tokens stay revoked across processes.
type SessionRevocations interface {
	Revoke(ctx context.Context, sessionID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Dependencies wires the HTTP surface to the sync layer.
type Dependencies struct {
	Store             store.Store
	Partitions        partition.Resolver
	Directory         identity.Authenticator
	Sessions          *identity.Registry
	TokenIssuer       SessionTokenIssuer
	Validator         SessionTokenValidator
	Revocations       SessionRevocations
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	SettleTimeout     time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving auth, product and stream routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Partitions == nil {
		return nil, errMissingPartitions
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Revocations == nil {
		return nil, errMissingRevocations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	settleTimeout := deps.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = defaultSettleTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	gateway, err := mutation.NewGateway(mutation.GatewayConfig{
		Store:      deps.Store,
		Partitions: deps.Partitions,
		Schemas:    map[string]mutation.Schema{products.Collection: mutation.ProductSchema},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	catalog, err := products.NewCatalog(products.CatalogConfig{
		Gateway: gateway,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:         deps.Store,
		partitions:    deps.Partitions,
		directory:     deps.Directory,
		sessions:      deps.Sessions,
		tokens:        deps.TokenIssuer,
		validator:     deps.Validator,
		revocations:   deps.Revocations,
		gateway:       gateway,
		catalog:       catalog,
		heartbeat:     heartbeat,
		settleTimeout: settleTimeout,
		now:           clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	router.POST("/auth/sign-up", handler.handleSignUp)
	router.POST("/auth/sign-in", handler.handleSignIn)

	withSession := router.Group("/")
	withSession.Use(handler.resolveSession)
	withSession.POST("/auth/sign-out", handler.handleSignOut)
	withSession.GET("/products", handler.handleListProducts)
	withSession.GET("/products/stream", handler.handleProductsStream)
	withSession.GET("/products/:id", handler.handleGetProduct)
	withSession.GET("/products/:id/stream", handler.handleProductStream)
	withSession.POST("/products", handler.handleCreateProduct)
	withSession.PATCH("/products/:id", handler.handleUpdateProduct)
	withSession.DELETE("/products/:id", handler.handleDeleteProduct)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return router, nil
}

// corsMiddleware only allows credentialed requests from configured origins.
// Without any, every origin may call the API with bearer tokens but cookies stay
// same-site.
func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	store         store.Store
	partitions    partition.Resolver
	directory     identity.Authenticator
	sessions      *identity.Registry
	tokens        SessionTokenIssuer
	validator     SessionTokenValidator
	revocations   SessionRevocations
	gateway       *mutation.Gateway
	catalog       *products.Catalog
	heartbeat     time.Duration
	settleTimeout time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
