package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atlasclinical/atlas/backend/internal/auth"
	"github.com/atlasclinical/atlas/backend/internal/devices"
	"github.com/atlasclinical/atlas/backend/internal/sync"
	"github.com/atlasclinical/atlas/backend/internal/workflow"
)

const principalContextKey = "atlas_principal"

const (
	defaultPullPageLimit = 200
	defaultPullPageMax   = 500
)

var (
	errMissingTokenValidator  = errors.New("token validator dependency required")
	errMissingSyncService     = errors.New("sync service dependency required")
	errMissingWorkflowService = errors.New("workflow service dependency required")
)

// TokenValidator checks a bearer token and returns the principal it carries.
type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

type Dependencies struct {
	TokenValidator  TokenValidator
	SyncService     *sync.Service
	WorkflowService *workflow.Service
	Devices         *devices.Registry
	Realtime        *RealtimeDispatcher
	Logger          *zap.Logger
	PullPageLimit   int
	PullPageMax     int
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.WorkflowService == nil {
		return nil, errMissingWorkflowService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pullLimit := deps.PullPageLimit
	if pullLimit <= 0 {
		pullLimit = defaultPullPageLimit
	}
	pullMax := deps.PullPageMax
	if pullMax < pullLimit {
		pullMax = defaultPullPageMax
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenValidator,
		syncSvc:   deps.SyncService,
		workflow:  deps.WorkflowService,
		devices:   deps.Devices,
		realtime:  deps.Realtime,
		logger:    logger,
		pullLimit: pullLimit,
		pullMax:   pullMax,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.handleSyncPush)
	protected.GET("/sync/pull", handler.handleSyncPull)
	protected.GET("/sync/events", handler.handleSyncEvents)
	protected.POST("/orders/:id/dispatch", handler.handleDispatchOrder)
	protected.POST("/registrations/:id/approve", handler.handleApproveRegistration)
	protected.POST("/registrations/:id/reject", handler.handleRejectRegistration)
	protected.POST("/adjustments/:id/approve", handler.handleApproveAdjustment)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	syncSvc   *sync.Service
	workflow  *workflow.Service
	devices   *devices.Registry
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	pullLimit int
	pullMax   int
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortError(c, http.StatusUnauthorized, codeMissingBearerToken, "bearer token required")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortError(c, http.StatusUnauthorized, codeMissingBearerToken, "bearer token required")
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		abortError(c, http.StatusUnauthorized, codeInvalidBearerToken, "bearer token invalid or expired")
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) principal(c *gin.Context) (auth.Principal, bool) {
	value, exists := c.Get(principalContextKey)
	if !exists {
		abortError(c, http.StatusUnauthorized, codeMissingBearerToken, "bearer token required")
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	if !ok {
		abortError(c, http.StatusUnauthorized, codeInvalidBearerToken, "bearer token invalid or expired")
		return auth.Principal{}, false
	}
	return principal, true
}

type pushRequestPayload struct {
	FacilityID string          `json:"facilityId"`
	DeviceID   string          `json:"deviceId"`
	Ops        []pushOpPayload `json:"ops"`
}

type pushOpPayload struct {
	OpID            string          `json:"opId"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	OpType          string          `json:"opType"`
	Data            json.RawMessage `json:"data"`
	ClientCreatedAt int64           `json:"clientCreatedAt"`
}

type pushResponsePayload struct {
	Results []pushResultPayload `json:"results"`
}

type pushResultPayload struct {
	OpID   string `json:"opId"`
	Status string `json:"status"`
}

func (h *httpHandler) handleSyncPush(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Ops) == 0 {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "push body must include at least one op")
		return
	}

	targetFacility, err := sync.NewFacilityID(request.FacilityID)
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	deviceID, err := sync.NewDeviceID(request.DeviceID)
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	ops := make([]sync.Operation, 0, len(request.Ops))
	for _, op := range request.Ops {
		parsed, err := parsePushOp(op)
		if err != nil {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		ops = append(ops, parsed)
	}

	scope, err := principalScope(principal, deviceID)
	if err != nil {
		respondError(c, http.StatusForbidden, codeScopeViolation, err.Error())
		return
	}

	results, err := h.syncSvc.Push(c.Request.Context(), scope, targetFacility, ops)
	if err != nil {
		respondSyncError(c, err)
		return
	}

	h.touchPush(c, scope, results)
	h.notifyRevision(scope, results)

	response := pushResponsePayload{Results: make([]pushResultPayload, 0, len(results))}
	for _, result := range results {
		response.Results = append(response.Results, pushResultPayload{
			OpID:   result.OpID.String(),
			Status: string(result.Status),
		})
	}
	c.JSON(http.StatusOK, response)
}

type pullOpPayload struct {
	Seq        int64           `json:"seq"`
	OpID       string          `json:"opId"`
	DeviceID   string          `json:"deviceId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	OpType     string          `json:"opType"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"createdAt"`
}

type pullResponsePayload struct {
	Ops     []pullOpPayload `json:"ops"`
	Cursor  int64           `json:"cursor"`
	HasMore bool            `json:"hasMore"`
}

func (h *httpHandler) handleSyncPull(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	targetFacility, err := sync.NewFacilityID(c.Query("facilityId"))
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	cursor, err := parseCursor(c.Query("cursor"))
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidCursor, err.Error())
		return
	}

	limit := h.pullLimit
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > h.pullMax {
		limit = h.pullMax
	}

	deviceID := sync.DeviceID(principal.DeviceID)
	scope, err := principalScope(principal, deviceID)
	if err != nil {
		respondError(c, http.StatusForbidden, codeScopeViolation, err.Error())
		return
	}

	page, err := h.syncSvc.Pull(c.Request.Context(), scope, targetFacility, cursor, limit)
	if err != nil {
		respondSyncError(c, err)
		return
	}

	h.touchPull(c, scope)

	response := pullResponsePayload{
		Ops:     make([]pullOpPayload, 0, len(page.Entries)),
		Cursor:  page.NextCursor,
		HasMore: page.HasMore,
	}
	for _, entry := range page.Entries {
		payload := json.RawMessage(nil)
		if entry.PayloadJSON != "" {
			payload = json.RawMessage(entry.PayloadJSON)
		}
		response.Ops = append(response.Ops, pullOpPayload{
			Seq:        entry.Revision,
			OpID:       entry.OpID,
			DeviceID:   entry.DeviceID,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			OpType:     string(entry.Kind),
			Payload:    payload,
			CreatedAt:  entry.ReceivedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	if h.realtime == nil {
		respondError(c, http.StatusNotFound, codeResourceNotFound, "realtime events not enabled")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), principal.TenantID, principal.FacilityID)
	defer cleanup()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, gin.H{"revision": message.Revision})
			flusher.Flush()
		}
	}
}

type transitionNotePayload struct {
	Note string `json:"note"`
}

func (h *httpHandler) handleDispatchOrder(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	result, err := h.workflow.DispatchOrder(c.Request.Context(), workflowActor(principal, c), c.Param("id"))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderId":           result.OrderID,
		"alreadyDispatched": result.AlreadyDispatched,
		"status":            string(result.Status),
		"dispatchedBy":      result.DispatchedBy,
		"dispatchedAt":      result.DispatchedAt,
	})
}

func (h *httpHandler) handleApproveRegistration(c *gin.Context) {
	h.handleRegistrationDecision(c, true)
}

func (h *httpHandler) handleRejectRegistration(c *gin.Context) {
	h.handleRegistrationDecision(c, false)
}

func (h *httpHandler) handleRegistrationDecision(c *gin.Context, approve bool) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request transitionNotePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, "body must be a JSON object")
			return
		}
	}

	actor := workflowActor(principal, c)
	registrationID := c.Param("id")

	var result workflow.DecisionResult
	var err error
	if approve {
		result, err = h.workflow.ApproveRegistration(c.Request.Context(), actor, registrationID, request.Note)
	} else {
		result, err = h.workflow.RejectRegistration(c.Request.Context(), actor, registrationID, request.Note)
	}
	if err != nil {
		respondWorkflowError(c, err)
		return
	}

	body := gin.H{
		"registrationId": result.RegistrationID,
		"status":         string(result.Status),
		"decidedBy":      result.DecidedBy,
		"decidedAt":      result.DecidedAt,
	}
	if approve {
		body["alreadyApproved"] = result.AlreadyDecided
	} else {
		body["alreadyRejected"] = result.AlreadyDecided
	}
	c.JSON(http.StatusOK, body)
}

func (h *httpHandler) handleApproveAdjustment(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	result, err := h.workflow.ApproveLossAdjustment(c.Request.Context(), workflowActor(principal, c), c.Param("id"))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"adjustmentId":    result.AdjustmentID,
		"alreadyApproved": result.AlreadyApproved,
		"status":          string(result.Status),
		"approvedBy":      result.ApprovedBy,
		"approvedAt":      result.ApprovedAt,
	})
}

func parsePushOp(op pushOpPayload) (sync.Operation, error) {
	opID, err := sync.NewOpID(op.OpID)
	if err != nil {
		return sync.Operation{}, err
	}
	kind, err := sync.ParseOpKind(op.OpType)
	if err != nil {
		return sync.Operation{}, err
	}
	entityType := strings.TrimSpace(op.EntityType)
	entityID := strings.TrimSpace(op.EntityID)
	if entityType == "" || entityID == "" {
		return sync.Operation{}, sync.ErrInvalidEntityRef
	}

	payloadJSON := ""
	if len(op.Data) > 0 {
		payloadJSON = string(op.Data)
	}
	return sync.Operation{
		OpID:            opID,
		EntityType:      entityType,
		EntityID:        entityID,
		Kind:            kind,
		PayloadJSON:     payloadJSON,
		ClientTimestamp: op.ClientCreatedAt,
	}, nil
}

func parseCursor(raw string) (sync.Cursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return sync.NewCursor(0)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, sync.ErrInvalidCursor
	}
	return sync.NewCursor(value)
}

func principalScope(principal auth.Principal, deviceID sync.DeviceID) (sync.Scope, error) {
	tenantID, err := sync.NewTenantID(principal.TenantID)
	if err != nil {
		return sync.Scope{}, err
	}
	facilityID, err := sync.NewFacilityID(principal.FacilityID)
	if err != nil {
		return sync.Scope{}, err
	}
	return sync.Scope{
		TenantID:   tenantID,
		FacilityID: facilityID,
		DeviceID:   deviceID,
		ActorID:    principal.ActorID,
	}, nil
}

func workflowActor(principal auth.Principal, c *gin.Context) workflow.Actor {
	return workflow.Actor{
		TenantID:  principal.TenantID,
		ActorID:   principal.ActorID,
		ActorRole: principal.ActorRole,
		RequestID: c.GetHeader("X-Request-ID"),
	}
}

func (h *httpHandler) touchPush(c *gin.Context, scope sync.Scope, results []sync.OpResult) {
	if h.devices == nil {
		return
	}
	var ingested int64
	for _, result := range results {
		if result.Status == sync.OpStatusIngested {
			ingested++
		}
	}
	err := h.devices.TouchPush(c.Request.Context(), scope.TenantID.String(), scope.DeviceID.String(), scope.FacilityID.String(), ingested)
	if err != nil {
		h.logger.Warn("device registry push update failed", zap.Error(err))
	}
}

func (h *httpHandler) touchPull(c *gin.Context, scope sync.Scope) {
	if h.devices == nil || scope.DeviceID.String() == "" {
		return
	}
	err := h.devices.TouchPull(c.Request.Context(), scope.TenantID.String(), scope.DeviceID.String(), scope.FacilityID.String())
	if err != nil {
		h.logger.Warn("device registry pull update failed", zap.Error(err))
	}
}

func (h *httpHandler) notifyRevision(scope sync.Scope, results []sync.OpResult) {
	if h.realtime == nil {
		return
	}
	var latest int64
	for _, result := range results {
		if result.Status == sync.OpStatusIngested && result.Revision > latest {
			latest = result.Revision
		}
	}
	if latest == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		TenantID:   scope.TenantID.String(),
		FacilityID: scope.FacilityID.String(),
		EventType:  RealtimeEventRevision,
		Revision:   latest,
		Timestamp:  time.Now().UTC(),
	})
}
