package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caravel-labs/caravel/internal/catalog"
	"github.com/caravel-labs/caravel/internal/crdt"
	"github.com/caravel-labs/caravel/internal/library"
	"github.com/caravel-labs/caravel/internal/notifications"
	"github.com/caravel-labs/caravel/internal/peers"
	"github.com/caravel-labs/caravel/internal/volumes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const instanceIDContextKey = "caravel_instance_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingLibrary       = errors.New("library dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// DeviceTokenManager issues and validates device JWTs.
type DeviceTokenManager interface {
	IssueDeviceToken(ctx context.Context, pairingSecret []byte, instanceID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies collects the services the HTTP surface exposes.
type Dependencies struct {
	TokenManager  DeviceTokenManager
	Library       *library.Library
	Volumes       *volumes.Enumerator
	Notifications *notifications.Service
	Peers         *peers.Registry
	Realtime      *RealtimeDispatcher
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for the device API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Library == nil {
		return nil, errMissingLibrary
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		library:       deps.Library,
		volumes:       deps.Volumes,
		notifications: deps.Notifications,
		peers:         deps.Peers,
		realtime:      deps.Realtime,
		logger:        logger,
	}

	router.POST("/auth/token", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/operations", handler.handleSyncOperations)
	protected.POST("/sync/notify", handler.handleSyncNotify)

	protected.GET("/tags", handler.handleListTags)
	protected.POST("/tags", handler.handleCreateTag)
	protected.GET("/tags/:id", handler.handleGetTag)
	protected.PATCH("/tags/:id", handler.handleUpdateTag)
	protected.DELETE("/tags/:id", handler.handleDeleteTag)
	protected.POST("/tags/:id/assign", handler.handleAssignTag)
	protected.POST("/tags/:id/unassign", handler.handleUnassignTag)

	protected.GET("/objects", handler.handleListObjects)
	protected.POST("/objects", handler.handleCreateObject)
	protected.GET("/objects/:id", handler.handleGetObject)
	protected.PATCH("/objects/:id", handler.handleUpdateObject)
	protected.DELETE("/objects/:id", handler.handleDeleteObject)

	protected.GET("/peers", handler.handleListPeers)
	protected.GET("/volumes", handler.handleListVolumes)
	protected.GET("/instances", handler.handleListInstances)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	protected.POST("/notifications/read-all", handler.handleMarkAllNotificationsRead)

	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens        DeviceTokenManager
	library       *library.Library
	volumes       *volumes.Enumerator
	notifications *notifications.Service
	peers         *peers.Registry
	realtime      *RealtimeDispatcher
	logger        *zap.Logger
}

type authRequestPayload struct {
	PairingSecret string `json:"pairing_secret"`
	InstanceID    string `json:"instance_id"`
	DeviceName    string `json:"device_name"`
	Platform      string `json:"platform"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	LibraryID   string `json:"library_id"`
	ReplicaID   string `json:"replica_id"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.PairingSecret) == "" ||
		strings.TrimSpace(request.InstanceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	instanceID, err := uuid.Parse(request.InstanceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_instance_id"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), []byte(request.PairingSecret), instanceID.String())
	if err != nil {
		h.logger.Warn("device pairing rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	platform, platformErr := peers.ParsePlatformCode(request.Platform)
	if platformErr != nil {
		platform = peers.PlatformUnknown
	}
	if err := h.library.TouchInstance(c.Request.Context(), instanceID, request.DeviceName, platform); err != nil {
		h.logger.Error("instance registration failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		LibraryID:   h.library.ID(),
		ReplicaID:   h.library.ReplicaID().String(),
	})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.library.Status())
}

// handleSyncOperations pages this replica's operations out to a peer.
// The peer passes the origin it is interested in and the watermark it
// already holds for that origin.
func (h *httpHandler) handleSyncOperations(c *gin.Context) {
	origin, err := uuid.Parse(c.Query("origin"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_origin"})
		return
	}
	var after crdt.Timestamp
	if raw := c.Query("after"); raw != "" {
		value, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
			return
		}
		after = crdt.Timestamp(value)
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		value, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = value
	}

	batch, err := h.library.ListOperations(c.Request.Context(), origin, after, limit)
	if err != nil {
		h.logger.Error("operation listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, batch)
}

// handleSyncNotify is the peer-facing nudge that new operations exist.
func (h *httpHandler) handleSyncNotify(c *gin.Context) {
	h.library.NotifyRemoteActivity()
	c.Status(http.StatusAccepted)
}

type tagPayload struct {
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	tags, err := h.library.Catalog().ListTags(c.Request.Context())
	if err != nil {
		h.logger.Error("tag listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (h *httpHandler) handleCreateTag(c *gin.Context) {
	var request tagPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	name, err := catalog.NewName(request.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_name"})
		return
	}
	color := ""
	if request.Color != nil {
		color = *request.Color
	}
	tag, err := h.library.Catalog().CreateTag(c.Request.Context(), name, color)
	if err != nil {
		h.logger.Error("tag creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, tag)
}

func (h *httpHandler) handleGetTag(c *gin.Context) {
	id, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	tag, err := h.library.Catalog().GetTag(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("tag lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, tag)
}

func (h *httpHandler) handleUpdateTag(c *gin.Context) {
	id, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	var request struct {
		Name  *string `json:"name"`
		Color *string `json:"color"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tag, err := h.library.Catalog().UpdateTag(c.Request.Context(), id, catalog.TagUpdateParams{
		Name:  request.Name,
		Color: request.Color,
	})
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("tag update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, tag)
}

func (h *httpHandler) handleDeleteTag(c *gin.Context) {
	id, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	if err := h.library.Catalog().DeleteTag(c.Request.Context(), id); err != nil {
		h.logger.Error("tag deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type assignmentPayload struct {
	ObjectIDs []string `json:"object_ids"`
}

func (h *httpHandler) handleAssignTag(c *gin.Context) {
	h.handleAssignment(c, h.library.Catalog().AssignTag)
}

func (h *httpHandler) handleUnassignTag(c *gin.Context) {
	h.handleAssignment(c, h.library.Catalog().UnassignTag)
}

func (h *httpHandler) handleAssignment(c *gin.Context, apply func(context.Context, catalog.RecordID, []catalog.RecordID) error) {
	tagID, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	var request assignmentPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.ObjectIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	objectIDs := make([]catalog.RecordID, 0, len(request.ObjectIDs))
	for _, raw := range request.ObjectIDs {
		objectID, idErr := catalog.NewRecordID(raw)
		if idErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object_id"})
			return
		}
		objectIDs = append(objectIDs, objectID)
	}
	if err := apply(c.Request.Context(), tagID, objectIDs); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("tag assignment change failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assignment_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type objectPayload struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (h *httpHandler) handleListObjects(c *gin.Context) {
	objects, err := h.library.Catalog().ListObjects(c.Request.Context())
	if err != nil {
		h.logger.Error("object listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": objects})
}

func (h *httpHandler) handleCreateObject(c *gin.Context) {
	var request objectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	name, err := catalog.NewName(request.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_name"})
		return
	}
	object, err := h.library.Catalog().CreateObject(c.Request.Context(), name, request.Kind)
	if err != nil {
		h.logger.Error("object creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, object)
}

func (h *httpHandler) handleGetObject(c *gin.Context) {
	id, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	object, err := h.library.Catalog().GetObject(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("object lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, object)
}

func (h *httpHandler) handleUpdateObject(c *gin.Context) {
	id, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	var request struct {
		Name     *string `json:"name"`
		Note     *string `json:"note"`
		Favorite *bool   `json:"favorite"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	object, err := h.library.Catalog().UpdateObject(c.Request.Context(), id, catalog.ObjectUpdateParams{
		Name:     request.Name,
		Note:     request.Note,
		Favorite: request.Favorite,
	})
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("object update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, object)
}

func (h *httpHandler) handleDeleteObject(c *gin.Context) {
	id, err := catalog.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	if err := h.library.Catalog().DeleteObject(c.Request.Context(), id); err != nil {
		h.logger.Error("object deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListPeers(c *gin.Context) {
	if h.peers == nil {
		c.JSON(http.StatusOK, gin.H{"peers": []peers.Peer{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": h.peers.List()})
}

func (h *httpHandler) handleListVolumes(c *gin.Context) {
	if h.volumes == nil {
		c.JSON(http.StatusOK, gin.H{"volumes": []volumes.Volume{}})
		return
	}
	listed, err := h.volumes.List(c.Request.Context())
	if err != nil {
		h.logger.Error("volume enumeration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enumeration_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"volumes": listed})
}

func (h *httpHandler) handleListInstances(c *gin.Context) {
	instances, err := h.library.Instances(c.Request.Context())
	if err != nil {
		h.logger.Error("instance listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notifications.Notification{}})
		return
	}
	unreadOnly := c.Query("unread") == "true"
	listed, err := h.notifications.List(c.Request.Context(), unreadOnly)
	if err != nil {
		h.logger.Error("notification listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": listed})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	err := h.notifications.MarkRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, notifications.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("notification update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkAllNotificationsRead(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusOK, gin.H{"updated": 0})
		return
	}
	updated, err := h.notifications.MarkAllRead(c.Request.Context())
	if err != nil {
		h.logger.Error("notification update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// handleEventStream serves realtime messages over server-sent events.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	topic := c.DefaultQuery("topic", TopicSync)
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), topic)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	instanceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(instanceIDContextKey, instanceID)
	c.Next()
}
