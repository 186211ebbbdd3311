package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/geist/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/identities"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// ServicePrefix is the path prefix of every identity RPC.
	ServicePrefix = "/geist.meta.v1alpha.IdentityService/"

	callerContextKey  = "geist_caller"
	rpcCodeContextKey = "geist_rpc_code"

	rpcCodeOK              = "ok"
	rpcCodeUnauthenticated = "unauthenticated"
)

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingAuthenticator   = errors.New("authenticator dependency required")
)

// IdentityAPI is the identity surface exposed over HTTP.
type IdentityAPI interface {
	GetIdentity(ctx context.Context, request identities.GetIdentityRequest) (identities.IdentityResponse, error)
	ListIdentities(ctx context.Context, request identities.ListIdentitiesRequest) (identities.IdentityResponse, error)
	LinkIdentity(ctx context.Context, request identities.LinkIdentityRequest) (identities.IdentityResponse, error)
	UnlinkIdentity(ctx context.Context, request identities.UnlinkIdentityRequest) (identities.IdentityResponse, error)
	SetPrimaryIdentity(ctx context.Context, request identities.SetPrimaryIdentityRequest) (identities.IdentityResponse, error)
}

// Authenticator resolves the calling principal from a request.
type Authenticator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// RPCObserver records completed RPCs.
type RPCObserver interface {
	ObserveRPC(method, code string, elapsed time.Duration)
}

// HealthCheck reports whether the backing store is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	IdentityService IdentityAPI
	Authenticator   Authenticator
	Metrics         RPCObserver
	HealthCheck     HealthCheck
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IdentityService == nil {
		return nil, errMissingIdentityService
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(traceRequest)

	handler := &httpHandler{
		identities: deps.IdentityService,
		auth:       deps.Authenticator,
		metrics:    deps.Metrics,
		health:     deps.HealthCheck,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	rpc := router.Group(ServicePrefix)
	rpc.Use(handler.observeRPC)
	rpc.Use(handler.authorizeRequest)
	rpc.POST("GetIdentity", rpcHandler(handler, handler.identities.GetIdentity))
	rpc.POST("ListIdentities", rpcHandler(handler, handler.identities.ListIdentities))
	rpc.POST("LinkIdentity", rpcHandler(handler, handler.identities.LinkIdentity))
	rpc.POST("UnlinkIdentity", rpcHandler(handler, handler.identities.UnlinkIdentity))
	rpc.POST("SetPrimaryIdentity", rpcHandler(handler, handler.identities.SetPrimaryIdentity))

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", TraceHeader},
		ExposeHeaders: []string{TraceHeader},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	identities IdentityAPI
	auth       Authenticator
	metrics    RPCObserver
	health     HealthCheck
	logger     *zap.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Error errorBody `json:"error"`
}

// rpcHandler binds the JSON request, invokes call and renders the identity response.
func rpcHandler[Request any](h *httpHandler, call func(context.Context, Request) (identities.IdentityResponse, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request Request
		if err := c.ShouldBindJSON(&request); err != nil {
			c.Set(rpcCodeContextKey, string(identities.KindInvalidArgument))
			c.JSON(http.StatusBadRequest, errorPayload{Error: errorBody{
				Code:    "invalid_request",
				Message: "request body must be a JSON object",
			}})
			return
		}

		response, err := call(c.Request.Context(), request)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.Set(rpcCodeContextKey, rpcCodeOK)
		c.JSON(http.StatusOK, response)
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	kind := identities.KindOf(err)
	body := errorBody{Code: string(kind), Message: "internal error"}
	var serviceErr *identities.ServiceError
	if errors.As(err, &serviceErr) {
		body = errorBody{Code: serviceErr.Code(), Message: serviceErr.Message()}
	} else {
		h.logger.Error("unclassified identity error", zap.String("trace_id", TraceID(c)), zap.Error(err))
	}
	if kind != identities.KindInternal {
		h.logger.Debug("identity request rejected",
			zap.String("trace_id", TraceID(c)),
			zap.String("code", body.Code))
	}
	c.Set(rpcCodeContextKey, string(kind))
	c.JSON(statusForKind(kind), errorPayload{Error: body})
}

func statusForKind(kind identities.Kind) int {
	switch kind {
	case identities.KindInvalidArgument:
		return http.StatusBadRequest
	case identities.KindNotFound:
		return http.StatusNotFound
	case identities.KindPermissionDenied:
		return http.StatusForbidden
	case identities.KindFailedPrecondition:
		return http.StatusPreconditionFailed
	case identities.KindUnimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.auth.ValidateRequest(c.Request)
	if err != nil {
		fields := []zap.Field{zap.String("trace_id", TraceID(c)), zap.Error(err)}
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", fields...)
		} else {
			h.logger.Warn("token validation failed", fields...)
		}
		c.Set(rpcCodeContextKey, rpcCodeUnauthenticated)
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorBody{
			Code:    rpcCodeUnauthenticated,
			Message: "a valid bearer token is required",
		}})
		return
	}
	c.Set(callerContextKey, subject)
	c.Next()
}

func (h *httpHandler) observeRPC(c *gin.Context) {
	start := time.Now()
	c.Next()

	method := strings.TrimPrefix(c.FullPath(), ServicePrefix)
	code := c.GetString(rpcCodeContextKey)
	if code == "" {
		code = string(identities.KindInternal)
	}
	elapsed := time.Since(start)
	if h.metrics != nil {
		h.metrics.ObserveRPC(method, code, elapsed)
	}
	h.logger.Debug("identity rpc completed",
		zap.String("trace_id", TraceID(c)),
		zap.String("method", method),
		zap.String("caller", c.GetString(callerContextKey)),
		zap.String("code", code),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", elapsed))
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.String("trace_id", TraceID(c)), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
