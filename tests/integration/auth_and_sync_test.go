package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/auth"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/database"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/docstore"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/feed"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "fishmarket_session"
	sessionIssuer        = "fishmarket-auth"
	sessionAudience      = "fishmarket-api"
	jsonContentType      = "application/json"
)

type authPayload struct {
	AccessToken string `json:"access_token"`
	UID         string `json:"uid"`
}

type productPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	CreatedBy string `json:"createdBy"`
	CanEdit   bool   `json:"canEdit"`
}

type listPayload struct {
	Items []productPayload `json:"items"`
	State string           `json:"state"`
}

func TestSignUpCreateAndListFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	documents, err := docstore.NewService(docstore.ServiceConfig{
		Database:   db,
		Bus:        feed.NewLocalBus(),
		IDProvider: docstore.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build document service: %v", err)
	}
	directory, err := identity.NewDirectory(identity.DirectoryConfig{Database: db, HashCost: bcrypt.MinCost})
	if err != nil {
		testContext.Fatalf("failed to build directory: %v", err)
	}
	revocations, err := identity.NewRevocations(identity.RevocationsConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build revocations: %v", err)
	}
	sessions, err := identity.NewRegistry(directory, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	partitions, err := partition.NewStatic("integration")
	if err != nil {
		testContext.Fatalf("failed to build partition: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:             documents,
		Partitions:        partitions,
		Directory:         directory,
		Sessions:          sessions,
		TokenIssuer:       tokenIssuer,
		Validator:         sessionValidator,
		Revocations:       revocations,
		HeartbeatInterval: time.Hour,
		SettleTimeout:     5 * time.Second,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	seller := signUp(testContext, testServer.URL, "seller@market.example")
	sellerCookie := &http.Cookie{Name: sessionCookieName, Value: seller.AccessToken}

	status, body := doJSON(testContext, http.MethodPost, testServer.URL+"/products", sellerCookie, map[string]any{
		"name":        "Tilapia",
		"price":       "12.50",
		"description": "Fresh from the lake",
	})
	if status != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d body=%s", status, body)
	}
	var created productPayload
	if err := json.Unmarshal(body, &created); err != nil {
		testContext.Fatalf("failed to decode created product: %v", err)
	}
	if created.ID == "" || created.CreatedBy != seller.UID {
		testContext.Fatalf("unexpected created product: %+v", created)
	}

	var member map[string]any
	memberDocument, err := documents.Get(context.Background(), "partitions/integration/members", seller.UID)
	if err != nil || memberDocument == nil {
		testContext.Fatalf("expected member record for %s: %v", seller.UID, err)
	}
	member = memberDocument.Fields
	if member["email"] != "seller@market.example" {
		testContext.Fatalf("unexpected member record: %v", member)
	}

	status, body = doJSON(testContext, http.MethodGet, testServer.URL+"/products", nil, nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected list status: %d body=%s", status, body)
	}
	var anonymousList listPayload
	if err := json.Unmarshal(body, &anonymousList); err != nil {
		testContext.Fatalf("failed to decode list: %v", err)
	}
	if len(anonymousList.Items) != 0 || anonymousList.State != "idle" {
		testContext.Fatalf("expected anonymous visitors to see an idle empty list, got %+v", anonymousList)
	}

	buyer := signUp(testContext, testServer.URL, "buyer@market.example")
	buyerCookie := &http.Cookie{Name: sessionCookieName, Value: buyer.AccessToken}

	status, body = doJSON(testContext, http.MethodGet, testServer.URL+"/products", buyerCookie, nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected list status: %d body=%s", status, body)
	}
	var buyerList listPayload
	if err := json.Unmarshal(body, &buyerList); err != nil {
		testContext.Fatalf("failed to decode list: %v", err)
	}
	if len(buyerList.Items) != 1 || buyerList.Items[0].Name != "Tilapia" || buyerList.Items[0].Price != "12.5" {
		testContext.Fatalf("unexpected buyer list: %+v", buyerList)
	}
	if buyerList.Items[0].CanEdit {
		testContext.Fatalf("buyer must not be able to edit the seller's product")
	}

	status, body = doJSON(testContext, http.MethodDelete, testServer.URL+"/products/"+created.ID, buyerCookie, nil)
	if status != http.StatusForbidden {
		testContext.Fatalf("expected forbidden delete, got %d body=%s", status, body)
	}

	status, body = doJSON(testContext, http.MethodDelete, testServer.URL+"/products/"+created.ID, sellerCookie, nil)
	if status != http.StatusNoContent {
		testContext.Fatalf("expected seller delete to succeed, got %d body=%s", status, body)
	}
	remaining, err := documents.Get(context.Background(), "partitions/integration/products", created.ID)
	if err != nil {
		testContext.Fatalf("failed to read deleted product: %v", err)
	}
	if remaining != nil {
		testContext.Fatalf("expected product to be deleted")
	}
}

func signUp(testContext *testing.T, baseURL, email string) authPayload {
	testContext.Helper()
	status, body := doJSON(testContext, http.MethodPost, baseURL+"/auth/sign-up", nil, map[string]string{
		"email":            email,
		"password":         "secret1",
		"confirm_password": "secret1",
	})
	if status != http.StatusCreated {
		testContext.Fatalf("unexpected sign-up status: %d body=%s", status, body)
	}
	var payload authPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		testContext.Fatalf("failed to decode sign-up response: %v", err)
	}
	if payload.AccessToken == "" || payload.UID == "" {
		testContext.Fatalf("expected token and uid, got %+v", payload)
	}
	return payload
}

func doJSON(testContext *testing.T, method, url string, cookie *http.Cookie, payload any) (int, []byte) {
	testContext.Helper()
	var requestBody io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			testContext.Fatalf("failed to encode payload: %v", err)
		}
		requestBody = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, url, requestBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, body
}
