// Package server exposes the ledger's operations over HTTP. The wire format
// here is a convenience for external callers; the contracts live in the
// service packages underneath.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/medledger/backend/internal/access"
	"github.com/medledger/backend/internal/accounts"
	"github.com/medledger/backend/internal/anchoring"
	"github.com/medledger/backend/internal/ledger"
	"github.com/medledger/backend/internal/records"
	"github.com/medledger/backend/internal/sessions"
	"go.uber.org/zap"
)

const currentUserContextKey = "medledger_current_user"

var (
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingSessions      = errors.New("session manager dependency required")
	errMissingRecords       = errors.New("record service dependency required")
	errMissingLedger        = errors.New("ledger service dependency required")
	errMissingAccess        = errors.New("access service dependency required")
	errMissingEngine        = errors.New("anchoring engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the service layer into the HTTP handler.
type Dependencies struct {
	Accounts *accounts.Service
	Sessions *sessions.Manager
	Records  *records.Service
	Ledger   *ledger.Service
	Access   *access.Service
	Engine   *anchoring.Engine
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router with all routes registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Records == nil {
		return nil, errMissingRecords
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Access == nil {
		return nil, errMissingAccess
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts: deps.Accounts,
		sessions: deps.Sessions,
		records:  deps.Records,
		ledger:   deps.Ledger,
		access:   deps.Access,
		engine:   deps.Engine,
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/logout", handler.handleLogout)

	protected.POST("/records", handler.handleCreateRecord)
	protected.GET("/records/:id", handler.handleGetRecord)
	protected.POST("/records/:id/activate", handler.handleSetRecordActive(true))
	protected.POST("/records/:id/deactivate", handler.handleSetRecordActive(false))
	protected.GET("/records/:id/events", handler.handleListRecordEvents)
	protected.POST("/records/:id/events", handler.handleCreateEvent)
	protected.GET("/records/:id/verify", handler.handleVerifyChain)
	protected.GET("/records/:id/staff", handler.handleListRecordStaff)
	protected.GET("/patients/:id/records", handler.handleListPatientRecords)
	protected.GET("/clinics/:id/records", handler.handleListClinicRecords)

	protected.GET("/events/:id", handler.handleGetEvent)
	protected.GET("/events", handler.handleListEventsByStatus)

	protected.POST("/assignments", handler.handleAssign)
	protected.DELETE("/assignments", handler.handleUnassign)
	protected.POST("/assignments/bulk", handler.handleBulkAssign)
	protected.POST("/assignments/transfer", handler.handleTransferAssignment)
	protected.GET("/users/:id/assignments", handler.handleListAssignments)
	protected.GET("/users/:id/records", handler.handleListStaffRecords)
	protected.POST("/users/:id/deactivate", handler.handleSetUserActive(false))
	protected.POST("/users/:id/activate", handler.handleSetUserActive(true))
	protected.PUT("/users/:id/public-key", handler.handleUpdatePublicKey)

	protected.POST("/batches/harvest", handler.handleHarvestBatch)
	protected.POST("/batches", handler.handleCreateBatchExplicit)
	protected.GET("/batches/latest", handler.handleLatestBatch)
	protected.GET("/batches", handler.handleListBatchesByStatus)
	protected.GET("/batches/:id", handler.handleGetBatch)
	protected.GET("/batches/:id/events", handler.handleListBatchEvents)
	protected.GET("/batches/:id/verify", handler.handleVerifyBatch)
	protected.GET("/batches/:id/chain", handler.handleBatchChain)
	protected.POST("/batches/:id/submit", handler.handleSubmitBatch)
	protected.POST("/batches/:id/confirm", handler.handleConfirmBatch)

	return router, nil
}

type httpHandler struct {
	accounts *accounts.Service
	sessions *sessions.Manager
	records  *records.Service
	ledger   *ledger.Service
	access   *access.Service
	engine   *anchoring.Engine
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	user, ok, err := h.sessions.Validate(c.Request.Context(), token)
	if err != nil {
		h.logger.Error("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_lookup_failed"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(currentUserContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) *accounts.User {
	value, ok := c.Get(currentUserContextKey)
	if !ok {
		return nil
	}
	user, ok := value.(*accounts.User)
	if !ok {
		return nil
	}
	return user
}

// requireAdmin guards administrative endpoints.
func (h *httpHandler) requireAdmin(c *gin.Context) *accounts.User {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	if user.Role != accounts.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin_role_required"})
		return nil
	}
	return user
}

// writeError maps the service error taxonomy onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, accounts.ErrUserNotFound),
		errors.Is(err, records.ErrRecordNotFound),
		errors.Is(err, ledger.ErrRecordNotFound),
		errors.Is(err, ledger.ErrEventNotFound),
		errors.Is(err, anchoring.ErrBatchNotFound),
		errors.Is(err, access.ErrAssignmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnauthorized),
		errors.Is(err, access.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, sessions.ErrInvalidCredentials),
		errors.Is(err, sessions.ErrUserInactive):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, accounts.ErrEmailTaken),
		errors.Is(err, ledger.ErrRecordInactive),
		errors.Is(err, ledger.ErrAlreadyBatched),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, anchoring.ErrNothingToBatch),
		errors.Is(err, anchoring.ErrInvalidBatchState),
		errors.Is(err, anchoring.ErrStaleChainHead):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, accounts.ErrInvalidInput),
		errors.Is(err, accounts.ErrInvalidRole),
		errors.Is(err, records.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAction),
		errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, anchoring.ErrInvalidBatchStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, anchoring.ErrAnchorTransient),
		errors.Is(err, anchoring.ErrAnchorPermanent):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
