package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/events"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/redlines"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/svcerror"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	actorContextKey       = "fieldops_actor"
	requestIDContextKey   = "fieldops_request_id"
	requestIDHeader       = "X-Request-ID"
	maxRequestIDLength    = 128
	defaultMaxUploadBytes = 50 << 20
	codeUnauthorized      = "auth.unauthorized"
	codeInvalidIdentity   = "auth.invalid_identity"
	codeIdentityFailed    = "auth.identity_lookup_failed"
	codeInternal          = "internal"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingActorResolver    = errors.New("actor resolver dependency required")
	errMissingJobsService      = errors.New("jobs service dependency required")
	errMissingRedlinesService  = errors.New("redlines service dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ActorResolver turns validated claims into the acting user.
type ActorResolver interface {
	ResolveActor(ctx context.Context, claims auth.SessionClaims) (roles.Actor, error)
}

// EventSubscriber streams committed workflow events for one job.
type EventSubscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan events.Event, func())
}

// Dependencies wires the HTTP layer. BlobStore, Events and Metrics are optional;
// the routes that need them are only registered when they are present.
type Dependencies struct {
	Sessions          SessionValidator
	Actors            ActorResolver
	Jobs              *jobs.Service
	Redlines          *redlines.Service
	BlobStore         storage.BlobStore
	Events            EventSubscriber
	Metrics           http.Handler
	AllowedOrigins    []string
	MaxUploadBytes    int64
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the field operations API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Actors == nil {
		return nil, errMissingActorResolver
	}
	if deps.Jobs == nil {
		return nil, errMissingJobsService
	}
	if deps.Redlines == nil {
		return nil, errMissingRedlinesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(requestIDMiddleware())

	handler := &httpHandler{
		sessions:       deps.Sessions,
		actors:         deps.Actors,
		jobs:           deps.Jobs,
		redlines:       deps.Redlines,
		blobs:          deps.BlobStore,
		events:         deps.Events,
		maxUploadBytes: maxUploadBytes,
		heartbeat:      heartbeat,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/jobs", handler.handleCreateJob)
	protected.GET("/jobs", handler.handleListJobs)
	protected.GET("/jobs/:jobID", handler.handleGetJob)
	protected.POST("/jobs/:jobID/status", handler.handleUpdateJobStatus)

	protected.GET("/jobs/:jobID/redlines", handler.handleListJobRedlines)
	protected.POST("/jobs/:jobID/redlines", handler.handleUploadRedline)
	if deps.BlobStore != nil {
		protected.POST("/jobs/:jobID/redlines/files", handler.handleUploadRedlineFiles)
	}
	if deps.Events != nil {
		protected.GET("/jobs/:jobID/redlines/events", handler.handleRedlineEvents)
	}
	protected.GET("/jobs/:jobID/redlines/audit", handler.handleJobAudit)

	protected.GET("/redlines/:versionID", handler.handleGetVersion)
	protected.POST("/redlines/:versionID/submit", handler.handleSubmitForReview)
	protected.POST("/redlines/:versionID/approve", handler.handleApprove)
	protected.POST("/redlines/:versionID/reject", handler.handleReject)
	protected.GET("/redlines/:versionID/audit", handler.handleVersionAudit)
	protected.GET("/users/:userID/redlines/audit", handler.handleActorAudit)

	return router, nil
}

type httpHandler struct {
	sessions       SessionValidator
	actors         ActorResolver
	jobs           *jobs.Service
	redlines       *redlines.Service
	blobs          storage.BlobStore
	events         EventSubscriber
	maxUploadBytes int64
	heartbeat      time.Duration
	logger         *zap.Logger
}

// envelope is the body of every JSON response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: message, Code: code})
}

// respondServiceError maps a service failure onto an HTTP status using its kind.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status := statusFor(err)
	code := svcerror.CodeOf(err)
	if code == "" {
		code = codeInternal
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("code", code),
			zap.String("route", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		message = http.StatusText(http.StatusInternalServerError)
	}
	respondError(c, status, code, message)
}

func statusFor(err error) int {
	if errors.Is(err, redlines.ErrInvalidTransition) || errors.Is(err, jobs.ErrTransitionNotAllowed) {
		return http.StatusConflict
	}
	switch svcerror.KindOf(err) {
	case svcerror.KindValidation:
		return http.StatusBadRequest
	case svcerror.KindAuthorization:
		return http.StatusForbidden
	case svcerror.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return
	}
	actor, err := h.actors.ResolveActor(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.String("subject", claims.Subject), zap.Error(err))
			respondError(c, http.StatusForbidden, codeInvalidIdentity, "session identity is not usable")
			return
		}
		h.logger.Error("identity resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		respondError(c, http.StatusInternalServerError, codeIdentityFailed, http.StatusText(http.StatusInternalServerError))
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func actorFrom(c *gin.Context) roles.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return roles.Actor{}
	}
	actor, _ := value.(roles.Actor)
	return actor
}

func requestMetadata(c *gin.Context) redlines.RequestMetadata {
	return redlines.RequestMetadata{
		RequestID: c.GetString(requestIDContextKey),
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// requestIDMiddleware keeps a caller supplied request id or assigns a new one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// corsMiddleware allows credentialed requests from the configured origins, or from any origin when none are configured.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}
