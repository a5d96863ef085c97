package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlasclinical/atlas/backend/internal/audit"
	"github.com/atlasclinical/atlas/backend/internal/sync"
	"github.com/atlasclinical/atlas/backend/internal/workflow"
)

// Stable wire codes. Clients branch on code, never on message; messages are
// safe to display but not byte-stable across releases.
const (
	codeMissingBearerToken     = "AUTH_MISSING_BEARER_TOKEN"
	codeInvalidBearerToken     = "AUTH_INVALID_BEARER_TOKEN"
	codeScopeViolation         = "TENANT_RESOURCE_SCOPE_VIOLATION"
	codeInvalidRequest         = "VALIDATION_INVALID_REQUEST"
	codeInvalidCursor          = "VALIDATION_INVALID_CURSOR"
	codeOpIDCollision          = "CONFLICT_SYNC_OP_ID_COLLISION"
	codeInsufficientStock      = "CONFLICT_INSUFFICIENT_STOCK"
	codeInvalidTransition      = "CONFLICT_INVALID_STATE_TRANSITION"
	codeAuditDurabilityFailure = "CONFLICT_AUDIT_DURABILITY_FAILURE"
	codeApprovalFailed         = "CONFLICT_REQUEST_APPROVAL_FAILED"
	codeResourceNotFound       = "NOT_FOUND_RESOURCE"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorBody{Code: code, Message: message})
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Code: code, Message: message})
}

// respondSyncError maps sync service failures onto the wire taxonomy.
func respondSyncError(c *gin.Context, err error) {
	var collision *sync.OpIDCollisionError
	switch {
	case errors.As(err, &collision):
		respondError(c, http.StatusConflict, codeOpIDCollision, collision.Error())
	case errors.Is(err, sync.ErrScopeViolation):
		respondError(c, http.StatusForbidden, codeScopeViolation, err.Error())
	case errors.Is(err, sync.ErrInvalidCursor):
		respondError(c, http.StatusBadRequest, codeInvalidCursor, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, serviceErrorCode(err), err.Error())
	}
}

// respondWorkflowError maps transition guard failures onto the wire taxonomy.
func respondWorkflowError(c *gin.Context, err error) {
	var insufficient *workflow.InsufficientStockError
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		respondError(c, http.StatusNotFound, codeResourceNotFound, err.Error())
	case errors.As(err, &insufficient):
		respondError(c, http.StatusConflict, codeInsufficientStock, insufficient.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		respondError(c, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, audit.ErrDurabilityFailure):
		respondError(c, http.StatusInternalServerError, codeAuditDurabilityFailure, err.Error())
	default:
		// Generic transactional failure: echo the original message so an
		// operator can diagnose without server access.
		respondError(c, http.StatusConflict, codeApprovalFailed, err.Error())
	}
}

func serviceErrorCode(err error) string {
	var serviceErr *sync.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "INTERNAL_ERROR"
}
