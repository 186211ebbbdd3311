package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/geist/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/config"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/database"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/identities"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type identityHarness struct {
	handler http.Handler
	db      *gorm.DB
	token   string
	metrics *recordingObserver
}

func newIdentityHarness(t *testing.T) *identityHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(context.Background(), database.Config{
		Driver:  config.DriverSQLite,
		DSN:     fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		Timeout: time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	repository, err := identities.NewRepository(identities.RepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	service, err := identities.NewService(identities.ServiceConfig{Store: repository})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "geist-auth",
		Audience:      "geist-meta",
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	token, _, err := issuer.Issue("svc-gateway", time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	observer := &recordingObserver{}
	handler, err := NewHTTPHandler(Dependencies{
		IdentityService: service,
		Authenticator:   issuer,
		Metrics:         observer,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db, time.Second)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &identityHarness{handler: handler, db: db, token: token, metrics: observer}
}

func (h *identityHarness) call(t *testing.T, method string, body any) (*httptest.ResponseRecorder, identities.IdentityResponse) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, ServicePrefix+method, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+h.token)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)

	var response identities.IdentityResponse
	if recorder.Code == http.StatusOK {
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return recorder, response
}

func (h *identityHarness) createUser(t *testing.T) string {
	t.Helper()
	user := identities.User{ID: uuid.NewString()}
	if err := h.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user.ID
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var payload errorPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload.Error
}

func TestIdentityRPCScenario(t *testing.T) {
	harness := newIdentityHarness(t)
	userID := harness.createUser(t)

	recorder, linked := harness.call(t, "LinkIdentity", map[string]any{
		"user_uid":         userID,
		"provider":         identities.WireProviderGoogle,
		"provider_user_id": "g-1",
		"provider_email":   "user@example.com",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("link failed: %d %s", recorder.Code, recorder.Body.String())
	}
	identityA := linked.Identities[0]
	if !identityA.IsPrimary || identityA.ProviderEmail != "user@example.com" {
		t.Fatalf("unexpected first identity %#v", identityA)
	}

	recorder, _ = harness.call(t, "UnlinkIdentity", identities.UnlinkIdentityRequest{IdentityUID: identityA.UID, UserUID: userID})
	if recorder.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for the last identity, got %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "identities.unlink.last_identity" {
		t.Fatalf("unexpected error code %q", body.Code)
	}

	recorder, linked = harness.call(t, "LinkIdentity", map[string]any{
		"user_uid":         userID,
		"provider":         identities.WireProviderGitHub,
		"provider_user_id": "gh123",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("link failed: %d %s", recorder.Code, recorder.Body.String())
	}
	identityB := linked.Identities[0]
	if identityB.IsPrimary {
		t.Fatalf("second identity must not be primary")
	}

	recorder, unlinked := harness.call(t, "UnlinkIdentity", identities.UnlinkIdentityRequest{IdentityUID: identityA.UID, UserUID: userID})
	if recorder.Code != http.StatusOK || len(unlinked.Identities) != 0 {
		t.Fatalf("unlink failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder, listed := harness.call(t, "ListIdentities", identities.ListIdentitiesRequest{UserUID: userID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("list failed: %d", recorder.Code)
	}
	if len(listed.Identities) != 1 || listed.Identities[0].UID != identityB.UID || !listed.Identities[0].IsPrimary {
		t.Fatalf("expected B to be the sole primary, got %#v", listed.Identities)
	}

	var user identities.User
	if err := harness.db.Where("id = ?", userID).Take(&user).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if user.PrimaryIdentityID == nil || *user.PrimaryIdentityID != identityB.UID {
		t.Fatalf("expected the owner pointer to follow B, got %v", user.PrimaryIdentityID)
	}

	if harness.metrics.count("UnlinkIdentity", "failed_precondition") != 1 {
		t.Fatalf("expected the rejected unlink to be observed")
	}
	if harness.metrics.count("LinkIdentity", "ok") != 2 {
		t.Fatalf("expected two successful links to be observed")
	}
}

func TestIdentityRPCErrorStatuses(t *testing.T) {
	harness := newIdentityHarness(t)
	owner := harness.createUser(t)
	intruder := harness.createUser(t)

	_, linked := harness.call(t, "LinkIdentity", map[string]any{
		"user_uid":         owner,
		"provider":         identities.WireProviderDiscord,
		"provider_user_id": "d-1",
	})
	identity := linked.Identities[0]

	tests := []struct {
		name   string
		method string
		body   any
		status int
		code   string
	}{
		{
			name:   "ambiguous-selector",
			method: "GetIdentity",
			body:   map[string]any{"uid": identity.UID, "user_uid": owner},
			status: http.StatusBadRequest,
			code:   "identities.get.invalid_selector",
		},
		{
			name:   "missing-identity",
			method: "SetPrimaryIdentity",
			body:   identities.SetPrimaryIdentityRequest{IdentityUID: uuid.NewString(), UserUID: owner},
			status: http.StatusNotFound,
			code:   "identities.set_primary.identity_not_found",
		},
		{
			name:   "foreign-identity",
			method: "SetPrimaryIdentity",
			body:   identities.SetPrimaryIdentityRequest{IdentityUID: identity.UID, UserUID: intruder},
			status: http.StatusForbidden,
			code:   "identities.set_primary.not_owner",
		},
		{
			name:   "no-user",
			method: "LinkIdentity",
			body:   map[string]any{"provider": identities.WireProviderEmail, "provider_user_id": "x@example.com"},
			status: http.StatusNotImplemented,
			code:   "identities.link.user_required",
		},
		{
			name:   "malformed-body",
			method: "ListIdentities",
			body:   []string{"not", "an", "object"},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			recorder, _ := harness.call(t, testCase.method, testCase.body)
			if recorder.Code != testCase.status {
				t.Fatalf("expected status %d, got %d: %s", testCase.status, recorder.Code, recorder.Body.String())
			}
			if body := decodeError(t, recorder); body.Code != testCase.code {
				t.Fatalf("expected code %q, got %q", testCase.code, body.Code)
			}
		})
	}
}

func TestIdentityRPCRequiresBearerToken(t *testing.T) {
	harness := newIdentityHarness(t)

	request := httptest.NewRequest(http.MethodPost, ServicePrefix+"ListIdentities",
		strings.NewReader(`{"user_uid":"`+uuid.NewString()+`"}`))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(TraceHeader, "trace-401")
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if recorder.Header().Get(TraceHeader) != "trace-401" {
		t.Fatalf("expected the trace id to be echoed on rejection")
	}
	if body := decodeError(t, recorder); body.Code != rpcCodeUnauthenticated {
		t.Fatalf("unexpected error code %q", body.Code)
	}
	if harness.metrics.count("ListIdentities", rpcCodeUnauthenticated) != 1 {
		t.Fatalf("expected the rejected call to be observed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	harness := newIdentityHarness(t)

	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy store, got %d", recorder.Code)
	}
}

type recordingObserver struct {
	observed []string
}

func (o *recordingObserver) ObserveRPC(method, code string, _ time.Duration) {
	o.observed = append(o.observed, method+"/"+code)
}

func (o *recordingObserver) count(method, code string) int {
	total := 0
	for _, entry := range o.observed {
		if entry == method+"/"+code {
			total++
		}
	}
	return total
}
