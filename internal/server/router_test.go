package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/atlasclinical/atlas/backend/internal/audit"
	"github.com/atlasclinical/atlas/backend/internal/auth"
	"github.com/atlasclinical/atlas/backend/internal/database"
	"github.com/atlasclinical/atlas/backend/internal/devices"
	"github.com/atlasclinical/atlas/backend/internal/sync"
	"github.com/atlasclinical/atlas/backend/internal/workflow"
)

type testServer struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	db      *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(t.TempDir(), "server.db")
	db, err := database.OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	idProvider := sync.NewUUIDProvider()
	syncService, err := sync.NewService(sync.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1750000000, 0) },
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to build sync service: %v", err)
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to build recorder: %v", err)
	}
	workflowService, err := workflow.NewService(workflow.ServiceConfig{
		Database:   db,
		Recorder:   recorder,
		Clock:      func() time.Time { return time.Unix(1750000000, 0) },
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to build workflow service: %v", err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build device registry: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "atlas-backend",
		Audience:      "atlas-clients",
	})
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator:  issuer,
		SyncService:     syncService,
		WorkflowService: workflowService,
		Devices:         registry,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	if err := db.Create(&sync.Facility{TenantID: "tenant-1", FacilityID: "facility-1", Name: "North Clinic"}).Error; err != nil {
		t.Fatalf("failed to seed facility: %v", err)
	}

	return &testServer{handler: handler, issuer: issuer, db: db}
}

func (s *testServer) token(t *testing.T) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), auth.Principal{
		ActorID:    "actor-1",
		ActorRole:  "supervisor",
		TenantID:   "tenant-1",
		FacilityID: "facility-1",
		DeviceID:   "device-1",
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func samplePushBody(opID string) map[string]interface{} {
	return map[string]interface{}{
		"facilityId": "facility-1",
		"deviceId":   "device-1",
		"ops": []map[string]interface{}{
			{
				"opId":            opID,
				"entityType":      "patient_visit",
				"entityId":        "visit-1",
				"opType":          "upsert",
				"data":            map[string]interface{}{"triage_level": "red"},
				"clientCreatedAt": 1749990000,
			},
		},
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/sync/pull?facilityId=facility-1", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "AUTH_MISSING_BEARER_TOKEN" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestRequestsWithBadTokenAreRejected(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/sync/pull?facilityId=facility-1", "not-a-jwt", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "AUTH_INVALID_BEARER_TOKEN" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestPushThenPullRoundTrip(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	pushRecorder := server.do(t, http.MethodPost, "/sync/push", token, samplePushBody("op-1"))
	if pushRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", pushRecorder.Code, pushRecorder.Body.String())
	}
	var pushBody pushResponsePayload
	if err := json.Unmarshal(pushRecorder.Body.Bytes(), &pushBody); err != nil {
		t.Fatalf("failed to decode push response: %v", err)
	}
	if len(pushBody.Results) != 1 || pushBody.Results[0].Status != "ingested" {
		t.Fatalf("unexpected push results: %+v", pushBody.Results)
	}

	pullRecorder := server.do(t, http.MethodGet, "/sync/pull?facilityId=facility-1&cursor=0", token, nil)
	if pullRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", pullRecorder.Code, pullRecorder.Body.String())
	}
	var pullBody pullResponsePayload
	if err := json.Unmarshal(pullRecorder.Body.Bytes(), &pullBody); err != nil {
		t.Fatalf("failed to decode pull response: %v", err)
	}
	if len(pullBody.Ops) != 1 {
		t.Fatalf("expected one op, got %d", len(pullBody.Ops))
	}
	op := pullBody.Ops[0]
	if op.OpID != "op-1" || op.Seq != 1 || op.OpType != "upsert" || op.DeviceID != "device-1" {
		t.Fatalf("unexpected pulled op: %+v", op)
	}
	if pullBody.Cursor != 1 || pullBody.HasMore {
		t.Fatalf("unexpected page metadata: cursor=%d hasMore=%v", pullBody.Cursor, pullBody.HasMore)
	}

	// Best-effort device tracking should have recorded both calls.
	var device devices.Device
	if err := server.db.Where("tenant_id = ? AND device_id = ?", "tenant-1", "device-1").Take(&device).Error; err != nil {
		t.Fatalf("failed to load device row: %v", err)
	}
	if device.OpsIngested != 1 || device.LastPullAt == nil {
		t.Fatalf("device registry not updated: %+v", device)
	}
}

func TestPushIsIdempotentOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	if recorder := server.do(t, http.MethodPost, "/sync/push", token, samplePushBody("op-1")); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	recorder := server.do(t, http.MethodPost, "/sync/push", token, samplePushBody("op-1"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", recorder.Code)
	}
	var body pushResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode push response: %v", err)
	}
	if body.Results[0].Status != "duplicate" {
		t.Fatalf("expected duplicate status, got %q", body.Results[0].Status)
	}
}

func TestPushCollisionMapsToConflict(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	if recorder := server.do(t, http.MethodPost, "/sync/push", token, samplePushBody("op-1")); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	mutated := samplePushBody("op-1")
	mutated["ops"].([]map[string]interface{})[0]["data"] = map[string]interface{}{"triage_level": "green"}
	recorder := server.do(t, http.MethodPost, "/sync/push", token, mutated)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeError(t, recorder); body.Code != "CONFLICT_SYNC_OP_ID_COLLISION" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestPullRejectsMalformedCursor(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	recorder := server.do(t, http.MethodGet, "/sync/pull?facilityId=facility-1&cursor=abc", token, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "VALIDATION_INVALID_CURSOR" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestPushForeignFacilityIsForbidden(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	body := samplePushBody("op-1")
	body["facilityId"] = "facility-2"
	recorder := server.do(t, http.MethodPost, "/sync/push", token, body)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if errBody := decodeError(t, recorder); errBody.Code != "TENANT_RESOURCE_SCOPE_VIOLATION" {
		t.Fatalf("unexpected error code %q", errBody.Code)
	}
}

func TestDispatchOrderOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	order := workflow.IssueOrder{
		OrderID:     "order-1",
		TenantID:    "tenant-1",
		FacilityID:  "facility-1",
		Status:      workflow.OrderStatusDraft,
		LinesJSON:   `[{"item_id":"item-a","quantity":2}]`,
		RequestedBy: "clerk-1",
		CreatedAt:   1749000000,
	}
	if err := server.db.Create(&order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	level := workflow.StockLevel{TenantID: "tenant-1", FacilityID: "facility-1", ItemID: "item-a", Quantity: 10}
	if err := server.db.Create(&level).Error; err != nil {
		t.Fatalf("failed to seed stock: %v", err)
	}

	first := server.do(t, http.MethodPost, "/orders/order-1/dispatch", token, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}

	second := server.do(t, http.MethodPost, "/orders/order-1/dispatch", token, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", second.Code)
	}
	var replay struct {
		AlreadyDispatched bool   `json:"alreadyDispatched"`
		Status            string `json:"status"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &replay); err != nil {
		t.Fatalf("failed to decode replay body: %v", err)
	}
	if !replay.AlreadyDispatched || replay.Status != "dispatched" {
		t.Fatalf("unexpected replay body: %+v", replay)
	}
}

func TestDispatchUnknownOrderIsNotFound(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	recorder := server.do(t, http.MethodPost, "/orders/missing/dispatch", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "NOT_FOUND_RESOURCE" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestDispatchInsufficientStockIsConflict(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	order := workflow.IssueOrder{
		OrderID:     "order-1",
		TenantID:    "tenant-1",
		FacilityID:  "facility-1",
		Status:      workflow.OrderStatusDraft,
		LinesJSON:   `[{"item_id":"item-a","quantity":99}]`,
		RequestedBy: "clerk-1",
		CreatedAt:   1749000000,
	}
	if err := server.db.Create(&order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	level := workflow.StockLevel{TenantID: "tenant-1", FacilityID: "facility-1", ItemID: "item-a", Quantity: 1}
	if err := server.db.Create(&level).Error; err != nil {
		t.Fatalf("failed to seed stock: %v", err)
	}

	recorder := server.do(t, http.MethodPost, "/orders/order-1/dispatch", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "CONFLICT_INSUFFICIENT_STOCK" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestCORSPreflightAllowsAuthorizationHeader(t *testing.T) {
	server := newTestServer(t)

	request := httptest.NewRequest(http.MethodOptions, "/sync/push", http.NoBody)
	request.Header.Set("Origin", "https://clinic.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
}

func TestNotifyRevisionPublishesHighestIngested(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	handler := &httpHandler{realtime: dispatcher}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "tenant-1", "facility-1")
	defer cleanup()

	scope := sync.Scope{TenantID: "tenant-1", FacilityID: "facility-1", DeviceID: "device-1"}
	handler.notifyRevision(scope, []sync.OpResult{
		{Status: sync.OpStatusIngested, Revision: 4},
		{Status: sync.OpStatusDuplicate, Revision: 9},
		{Status: sync.OpStatusIngested, Revision: 6},
	})

	select {
	case message := <-stream:
		if message.Revision != 6 {
			t.Fatalf("expected highest ingested revision 6, got %d", message.Revision)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a revision notification")
	}
}

func TestNotifyRevisionSkipsAllDuplicateBatches(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	handler := &httpHandler{realtime: dispatcher}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "tenant-1", "facility-1")
	defer cleanup()

	scope := sync.Scope{TenantID: "tenant-1", FacilityID: "facility-1", DeviceID: "device-1"}
	handler.notifyRevision(scope, []sync.OpResult{
		{Status: sync.OpStatusDuplicate, Revision: 2},
	})

	select {
	case message := <-stream:
		t.Fatalf("replayed batches must not notify, got revision %d", message.Revision)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistrationDecisionOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t)

	registration := workflow.Registration{
		RegistrationID: "reg-1",
		TenantID:       "tenant-1",
		FacilityID:     "facility-1",
		Status:         workflow.RegistrationStatusPending,
		SubjectJSON:    `{"name":"ward clerk"}`,
		CreatedAt:      1749000000,
	}
	if err := server.db.Create(&registration).Error; err != nil {
		t.Fatalf("failed to seed registration: %v", err)
	}

	approve := server.do(t, http.MethodPost, "/registrations/reg-1/approve", token, map[string]string{"note": "verified"})
	if approve.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", approve.Code, approve.Body.String())
	}

	reject := server.do(t, http.MethodPost, "/registrations/reg-1/reject", token, nil)
	if reject.Code != http.StatusConflict {
		t.Fatalf("expected 409 on cross transition, got %d", reject.Code)
	}
	if body := decodeError(t, reject); body.Code != "CONFLICT_INVALID_STATE_TRANSITION" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}
