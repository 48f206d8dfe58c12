package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/auth"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/docstore"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/feed"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/partition"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "fishmarket-auth"
	testAudience      = "fishmarket-api"
)

type testEnv struct {
	server      *httptest.Server
	db          *gorm.DB
	docs        *docstore.Service
	directory   *identity.Directory
	sessions    *identity.Registry
	revocations *identity.Revocations
	log         *zap.Logger
}

func newTestEnv(t *testing.T, log *zap.Logger) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&docstore.StoredDocument{}, &identity.Account{}, &identity.RevokedSession{}))

	docs, err := docstore.NewService(docstore.ServiceConfig{
		Database:   db,
		Bus:        feed.NewLocalBus(),
		IDProvider: docstore.NewUUIDProvider(),
	})
	require.NoError(t, err)

	directory, err := identity.NewDirectory(identity.DirectoryConfig{Database: db, HashCost: bcrypt.MinCost})
	require.NoError(t, err)
	revocations, err := identity.NewRevocations(identity.RevocationsConfig{Database: db})
	require.NoError(t, err)

	env := &testEnv{db: db, docs: docs, directory: directory, revocations: revocations, log: log}
	env.server, env.sessions = env.newInstance(t)
	return env
}

// newInstance starts another API process over the same database with its own
// session registry.
func (e *testEnv) newInstance(t *testing.T) (*httptest.Server, *identity.Registry) {
	t.Helper()
	sessions, err := identity.NewRegistry(e.directory, nil)
	require.NoError(t, err)
	resolver, err := partition.NewStatic("test")
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		Store:             e.docs,
		Partitions:        resolver,
		Directory:         e.directory,
		Sessions:          sessions,
		TokenIssuer:       issuer,
		Validator:         validator,
		Revocations:       e.revocations,
		AllowedOrigins:    []string{"https://market.example"},
		HeartbeatInterval: time.Hour,
		SettleTimeout:     5 * time.Second,
		Logger:            e.log,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, sessions
}

type response struct {
	status int
	body   []byte
}

func (r response) decode(t *testing.T, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, target), string(r.body))
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) response {
	t.Helper()
	return doAt(t, e.server, method, path, token, payload)
}

func doAt(t *testing.T, server *httptest.Server, method, path, token string, payload any) response {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, server.URL+path, body)
	require.NoError(t, err)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, body: raw}
}

type authResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UID         string `json:"uid"`
	Email       string `json:"email"`
}

func (e *testEnv) signUp(t *testing.T, email string) authResult {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth/sign-up", "", map[string]string{
		"email":            email,
		"password":         "secret1",
		"confirm_password": "secret1",
	})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	var result authResult
	resp.decode(t, &result)
	require.NotEmpty(t, result.AccessToken)
	return result
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Fields []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"fields"`
}

func (b errorBody) fieldNames() []string {
	names := make([]string, 0, len(b.Fields))
	for _, field := range b.Fields {
		names = append(names, field.Field)
	}
	return names
}

type productBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       string `json:"price"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	CreatedBy   string `json:"createdBy"`
	CanEdit     bool   `json:"canEdit"`
}

type listBody struct {
	Items     []productBody `json:"items"`
	IsLoading bool          `json:"isLoading"`
	LastError string        `json:"lastError"`
	State     string        `json:"state"`
}

type detailBody struct {
	Product  *productBody `json:"product"`
	NotFound bool         `json:"notFound"`
	State    string       `json:"state"`
}

func sessionIDFor(t *testing.T, token string) string {
	t.Helper()
	claims := &auth.SessionClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	return claims.SessionID()
}
