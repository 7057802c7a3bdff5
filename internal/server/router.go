package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "parley_user_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenService  = errors.New("token service dependency required")
	errMissingRecordStore   = errors.New("record store dependency required")
	errMissingHub           = errors.New("notification hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenService issues and validates identity tokens.
type TokenService interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Claims, error)
}

type Dependencies struct {
	Tokens          TokenService
	Store           *recordstore.Service
	Hub             *NotificationHub
	Logger          *zap.Logger
	AllowedOrigins  []string
	BootstrapSecret string
	// HeartbeatInterval spaces keep-alive events on notification streams. Zero uses the default.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Store == nil {
		return nil, errMissingRecordStore
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:          deps.Tokens,
		store:           deps.Store,
		hub:             deps.Hub,
		logger:          logger,
		bootstrapSecret: deps.BootstrapSecret,
		heartbeat:       heartbeat,
	}

	router.GET(wire.PathHealth, handler.handleHealth)
	router.POST(wire.PathToken, handler.handleIssueToken)

	router.GET(wire.PathNotificationsStream, handler.authorizeStream, handler.handleNotificationStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(wire.PathPartitions, handler.handleCreatePartition)
	protected.POST(wire.PathPartitionsList, handler.handleListPartitions)
	protected.POST(wire.PathPartitionsFind, handler.handleFindPartition)
	protected.POST(wire.PathPartitionsDelete, handler.handleDeletePartition)
	protected.POST(wire.PathPartitionsLeave, handler.handleLeavePartition)
	protected.POST(wire.PathRecordsSave, handler.handleSaveRecord)
	protected.POST(wire.PathRecordsFetch, handler.handleFetchRecord)
	protected.POST(wire.PathRecordsDelete, handler.handleDeleteRecord)
	protected.POST(wire.PathRecordsQuery, handler.handleQueryRecords)
	protected.POST(wire.PathScopeChanges, handler.handleScopeChanges)
	protected.POST(wire.PathPartitionChanges, handler.handlePartitionChanges)
	protected.POST(wire.PathSubscriptions, handler.handleCreateSubscription)
	protected.POST(wire.PathSubscriptionsList, handler.handleListSubscriptions)
	protected.POST(wire.PathSubscriptionsDelete, handler.handleDeleteSubscription)
	protected.POST(wire.PathParticipantsLookup, handler.handleLookupParticipant)
	protected.POST(wire.PathGrants, handler.handleGrantAccess)
	protected.POST(wire.PathGrantsAccept, handler.handleAcceptGrant)
	protected.POST(wire.PathGrantsList, handler.handleListGrants)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", wire.HeaderBootstrapSecret},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			wildcard = true
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if wildcard {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens          TokenService
	store           *recordstore.Service
	hub             *NotificationHub
	logger          *zap.Logger
	bootstrapSecret string
	heartbeat       time.Duration
	registered      sync.Map
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	if h.bootstrapSecret == "" {
		c.JSON(http.StatusForbidden, wire.ErrorBody{Error: "token_issuance_disabled", Kind: records.KindPermissionDenied})
		return
	}
	presented := c.GetHeader(wire.HeaderBootstrapSecret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.bootstrapSecret)) != 1 {
		h.logger.Warn("bootstrap secret mismatch", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, wire.ErrorBody{Error: "unauthorized", Kind: records.KindAuthRequired})
		return
	}

	var request wire.TokenRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, wire.ErrorBody{Error: "invalid_request", Kind: records.KindInvalid})
		return
	}

	identity := recordstore.Identity{
		UserID:      strings.TrimSpace(request.UserID),
		Email:       request.Email,
		Phone:       request.Phone,
		DisplayName: request.DisplayName,
		AvatarURL:   request.AvatarURL,
	}
	if err := h.store.RegisterIdentity(c.Request.Context(), identity); err != nil {
		if errors.Is(err, recordstore.ErrInvalidIdentity) {
			c.JSON(http.StatusBadRequest, wire.ErrorBody{Error: err.Error(), Kind: records.KindInvalid})
			return
		}
		h.logger.Error("failed to register identity", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.ErrorBody{Error: "identity_registration_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Identity{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.ErrorBody{Error: "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, wire.TokenResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		h.rejectUnauthorized(c, errInvalidAuthorization.Error())
		return
	}
	h.authorizeToken(c, strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

// authorizeStream also accepts the token as a query parameter for EventSource clients.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	if strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
		h.authorizeRequest(c)
		return
	}
	h.authorizeToken(c, strings.TrimSpace(c.Query(accessTokenQueryKey)))
}

func (h *httpHandler) authorizeToken(c *gin.Context, token string) {
	if token == "" {
		h.rejectUnauthorized(c, errInvalidAuthorization.Error())
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		h.rejectUnauthorized(c, "unauthorized")
		return
	}
	h.ensureIdentity(c.Request.Context(), claims)
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) rejectUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorBody{Error: message, Kind: records.KindAuthRequired})
}

// ensureIdentity lists token holders in the participant directory once per process.
func (h *httpHandler) ensureIdentity(ctx context.Context, claims auth.Claims) {
	cacheKey := claims.Subject + "\x00" + claims.UserEmail + "\x00" + claims.UserDisplayName
	if _, seen := h.registered.Load(cacheKey); seen {
		return
	}
	err := h.store.RegisterIdentity(ctx, recordstore.Identity{
		UserID:      claims.Subject,
		Email:       claims.UserEmail,
		DisplayName: claims.UserDisplayName,
	})
	if err != nil {
		h.logger.Warn("failed to register identity", zap.String("user_id", claims.Subject), zap.Error(err))
		return
	}
	h.registered.Store(cacheKey, struct{}{})
}

// respondError maps store failures onto the wire. Infrastructure failures are logged and masked.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	body := wire.BodyFromError(err)
	if body.Kind == "" {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, wire.ErrorBody{Error: "internal_error", Op: operation})
		return
	}
	c.JSON(wire.StatusForKind(body.Kind), body)
}

func (h *httpHandler) respondInvalid(c *gin.Context, operation string, err error) {
	c.JSON(http.StatusBadRequest, wire.ErrorBody{Error: err.Error(), Kind: records.KindInvalid, Op: operation})
}
