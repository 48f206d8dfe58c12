package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/products"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errNoSession = errors.New("request carries no session")

type productPayload struct {
	products.Product
	CanEdit bool `json:"canEdit"`
}

type productListPayload struct {
	Items     []productPayload `json:"items"`
	IsLoading bool             `json:"isLoading"`
	LastError string           `json:"lastError,omitempty"`
	State     syncer.State     `json:"state"`
}

type productDetailPayload struct {
	Product   *productPayload `json:"product"`
	IsLoading bool            `json:"isLoading"`
	LastError string          `json:"lastError,omitempty"`
	NotFound  bool            `json:"notFound"`
	State     syncer.State    `json:"state"`
}

// productRequestPayload accepts price as a JSON number or as text. Absent fields
// keep the stored value on update.
type productRequestPayload struct {
	Name        *string `json:"name"`
	Price       any     `json:"price"`
	Description *string `json:"description"`
	ImageURL    string  `json:"imageUrl"`
}

func (p productRequestPayload) input(base *products.Product) products.Input {
	input := products.Input{ImageURL: p.ImageURL}
	if base != nil {
		input.Name = base.Name
		input.Price = base.Price.String()
		input.Description = base.Description
	}
	if p.Name != nil {
		input.Name = *p.Name
	}
	if p.Price != nil || base == nil {
		input.Price = priceText(p.Price)
	}
	if p.Description != nil {
		input.Description = *p.Description
	}
	return input
}

func priceText(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return fmt.Sprint(typed)
	}
}

func (h *httpHandler) syncerFor(session *identity.Session, notifier syncer.Notifier) (*syncer.Service, error) {
	if session == nil {
		return nil, errNoSession
	}
	return syncer.NewService(syncer.Config{
		Store:      h.store,
		Identity:   session,
		Partitions: h.partitions,
		Notifier:   notifier,
		Logger:     h.logger,
	})
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	session := sessionFrom(c)
	service, err := h.syncerFor(session, nil)
	if err != nil {
		h.writeError(c, "products.list", err)
		return
	}
	view, err := service.SubscribeCollection(products.Collection, store.Query{OrderBy: products.OrderField})
	if err != nil {
		h.writeError(c, "products.list", err)
		return
	}
	defer view.Close()

	snapshot, err := awaitSettled(c.Request.Context(), h.settleTimeout, view.Snapshot, view.OnChange, syncer.CollectionSnapshot.Settled)
	if err != nil {
		h.logger.Warn("product listing did not settle", zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
		return
	}
	c.JSON(http.StatusOK, renderProductList(session, snapshot, c.Query("q")))
}

func (h *httpHandler) handleProductsStream(c *gin.Context) {
	session := sessionFrom(c)
	notices := newNoticeQueue()
	service, err := h.syncerFor(session, notices)
	if err != nil {
		h.writeError(c, "products.stream", err)
		return
	}
	view, err := service.SubscribeCollection(products.Collection, store.Query{OrderBy: products.OrderField})
	if err != nil {
		h.writeError(c, "products.stream", err)
		return
	}
	defer view.Close()

	query := c.Query("q")
	snapshots := newLatestValue[syncer.CollectionSnapshot]()
	stop := view.OnChange(func(snapshot syncer.CollectionSnapshot) {
		snapshots.put(snapshot.Version, snapshot)
	})
	defer stop()
	current := view.Snapshot()
	snapshots.put(current.Version, current)

	streamEvents(c, h.heartbeat, snapshots, func(snapshot syncer.CollectionSnapshot) any {
		return renderProductList(session, snapshot, query)
	}, notices)
}

func (h *httpHandler) handleGetProduct(c *gin.Context) {
	session := sessionFrom(c)
	service, err := h.syncerFor(session, nil)
	if err != nil {
		h.writeError(c, "products.get", err)
		return
	}
	view, err := service.SubscribeDocument(products.Collection, c.Param("id"))
	if err != nil {
		h.writeError(c, "products.get", err)
		return
	}
	defer view.Close()

	snapshot, err := awaitSettled(c.Request.Context(), h.settleTimeout, view.Snapshot, view.OnChange, syncer.DocumentSnapshot.Settled)
	if err != nil {
		h.logger.Warn("product view did not settle", zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
		return
	}
	if snapshot.NotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, renderProductDetail(session, snapshot))
}

func (h *httpHandler) handleProductStream(c *gin.Context) {
	session := sessionFrom(c)
	notices := newNoticeQueue()
	service, err := h.syncerFor(session, notices)
	if err != nil {
		h.writeError(c, "products.stream_one", err)
		return
	}
	view, err := service.SubscribeDocument(products.Collection, c.Param("id"))
	if err != nil {
		h.writeError(c, "products.stream_one", err)
		return
	}
	defer view.Close()

	snapshots := newLatestValue[syncer.DocumentSnapshot]()
	stop := view.OnChange(func(snapshot syncer.DocumentSnapshot) {
		snapshots.put(snapshot.Version, snapshot)
	})
	defer stop()
	current := view.Snapshot()
	snapshots.put(current.Version, current)

	streamEvents(c, h.heartbeat, snapshots, func(snapshot syncer.DocumentSnapshot) any {
		return renderProductDetail(session, snapshot)
	}, notices)
}

func (h *httpHandler) handleCreateProduct(c *gin.Context) {
	var request productRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session := sessionFrom(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	created, err := h.catalog.Create(c.Request.Context(), session, request.input(nil))
	if err != nil {
		h.writeError(c, "products.create", err)
		return
	}
	c.JSON(http.StatusCreated, productPayload{Product: created, CanEdit: true})
}

func (h *httpHandler) handleUpdateProduct(c *gin.Context) {
	var request productRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session := sessionFrom(c)
	if !signedIn(session) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	current, ok := h.loadProduct(c, "products.update")
	if !ok {
		return
	}
	if current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	updated, err := h.catalog.Update(c.Request.Context(), session, *current, request.input(current))
	if err != nil {
		h.writeError(c, "products.update", err)
		return
	}
	c.JSON(http.StatusOK, productPayload{Product: updated, CanEdit: true})
}

func (h *httpHandler) handleDeleteProduct(c *gin.Context) {
	session := sessionFrom(c)
	if !signedIn(session) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	current, ok := h.loadProduct(c, "products.delete")
	if !ok {
		return
	}
	if current == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.catalog.Delete(c.Request.Context(), session, *current); err != nil {
		h.writeError(c, "products.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// loadProduct reads the product named by the route. It returns ok=false after
// writing an error response, and a nil product when the document does not exist.
func (h *httpHandler) loadProduct(c *gin.Context, operation string) (*products.Product, bool) {
	id := strings.TrimSpace(c.Param("id"))
	record, err := h.gateway.Read(c.Request.Context(), products.Collection, id)
	if err != nil {
		h.writeError(c, operation, err)
		return nil, false
	}
	if record == nil {
		return nil, true
	}
	product := products.FromDocument(store.Document{ID: id, Fields: record})
	return &product, true
}

func signedIn(session *identity.Session) bool {
	if session == nil {
		return false
	}
	_, ok := session.CurrentIdentity()
	return ok
}

func renderProduct(session *identity.Session, document store.Document) productPayload {
	product := products.FromDocument(document)
	canEdit := session != nil && products.CanEdit(session, product)
	return productPayload{Product: product, CanEdit: canEdit}
}

func renderProductList(session *identity.Session, snapshot syncer.CollectionSnapshot, query string) productListPayload {
	items := make([]productPayload, 0, len(snapshot.Items))
	for _, document := range snapshot.Items {
		items = append(items, renderProduct(session, document))
	}
	if strings.TrimSpace(query) != "" {
		catalog := make([]products.Product, 0, len(items))
		for _, item := range items {
			catalog = append(catalog, item.Product)
		}
		matches := products.Search(catalog, query)
		keep := make(map[string]bool, len(matches))
		for _, match := range matches {
			keep[match.ID] = true
		}
		filtered := items[:0]
		for _, item := range items {
			if keep[item.ID] {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	return productListPayload{
		Items:     items,
		IsLoading: snapshot.IsLoading,
		LastError: snapshot.LastError,
		State:     snapshot.State,
	}
}

func renderProductDetail(session *identity.Session, snapshot syncer.DocumentSnapshot) productDetailPayload {
	payload := productDetailPayload{
		IsLoading: snapshot.IsLoading,
		LastError: snapshot.LastError,
		NotFound:  snapshot.NotFound,
		State:     snapshot.State,
	}
	if snapshot.Data != nil {
		rendered := renderProduct(session, *snapshot.Data)
		payload.Product = &rendered
	}
	return payload
}
