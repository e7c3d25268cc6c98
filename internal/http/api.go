package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/queue"
	"fetchqueue/internal/service"
	"fetchqueue/internal/storage"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	queue     service.QueueService
	users     service.UserService
	archiver  storage.Archiver
	bucket    string
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewHandler(queueSvc service.QueueService, users service.UserService, archiver storage.Archiver, bucket, jwtSecret string, tokenTTL time.Duration) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Handler{
		queue:     queueSvc,
		users:     users,
		archiver:  archiver,
		bucket:    bucket,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		auth := api.Group("/auth")
		{
			auth.POST("/register", h.register)
			auth.POST("/login", h.login)
		}

		protected := api.Group("", h.authMiddleware())
		{
			q := protected.Group("/queue")
			{
				q.POST("/items", h.enqueue)
				q.GET("/items", h.listItems)
				q.GET("/items/:key", h.getItem)
				q.DELETE("/items", h.removeItems)
				q.DELETE("/items/:key", h.removeItem)
				q.POST("/items/:key/skip", h.skipItem)
				q.POST("/reorder", h.reorder)
				q.POST("/reset", h.reset)
				q.POST("/start", h.startRun)
				q.POST("/stop", h.stopRun)
				q.GET("/summary", h.summary)
				q.GET("/events", h.streamEvents)
			}
			r := protected.Group("/restriction")
			{
				r.GET("", h.restrictionStatus)
				r.POST("/recheck", h.restrictionRecheck)
				r.POST("/force", h.restrictionForce)
				r.POST("/clear", h.restrictionClear)
			}
			a := protected.Group("/archive")
			{
				a.GET("/objects", h.listObjects)
				a.GET("/objects/url", h.objectURL)
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type enqueueRequest struct {
	URL     string `json:"url" binding:"required"`
	Quality string `json:"quality" binding:"required"`
}

func (h *Handler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q, err := domain.ParseQuality(req.Quality)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	added, err := h.queue.Enqueue(c.Request.Context(), req.URL, q)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	resp := make([]ItemResponse, len(added))
	for i, it := range added {
		resp[i] = itemToResponse(it)
	}
	c.JSON(http.StatusAccepted, gin.H{"added": resp})
}

func (h *Handler) listItems(c *gin.Context) {
	items := h.queue.Items()
	resp := make([]ItemResponse, len(items))
	for i, it := range items {
		resp[i] = itemToResponse(it)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getItem(c *gin.Context) {
	items := h.queue.Items()
	key := c.Param("key")
	for _, it := range items {
		if it.Key == key {
			c.JSON(http.StatusOK, itemToResponse(it))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
}

func (h *Handler) removeItem(c *gin.Context) {
	if err := h.queue.Remove(c.Request.Context(), c.Param("key")); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("key")})
}

func (h *Handler) removeItems(c *gin.Context) {
	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.Remove(c.Request.Context(), req.Keys...); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": len(req.Keys)})
}

func (h *Handler) skipItem(c *gin.Context) {
	if err := h.queue.Skip(c.Request.Context(), c.Param("key")); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"skipped": c.Param("key")})
}

type keysRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

func (h *Handler) reorder(c *gin.Context) {
	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.Reorder(c.Request.Context(), req.Keys); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reordered": len(req.Keys)})
}

func (h *Handler) reset(c *gin.Context) {
	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.Reset(c.Request.Context(), req.Keys); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": len(req.Keys)})
}

func (h *Handler) startRun(c *gin.Context) {
	if err := h.queue.StartRun(); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": string(h.queue.RunState())})
}

func (h *Handler) stopRun(c *gin.Context) {
	if err := h.queue.StopRun(c.Request.Context()); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(h.queue.RunState())})
}

func (h *Handler) summary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":  string(h.queue.RunState()),
		"counts": h.queue.Summary(),
	})
}

func (h *Handler) streamEvents(c *gin.Context) {
	events, cancel := h.queue.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), eventToResponse(ev))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) restrictionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Restriction())
}

func (h *Handler) restrictionRecheck(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag force"})
		return
	}
	st, err := h.queue.RecheckRestriction(c.Request.Context(), force)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) restrictionForce(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.ForceRestriction())
}

func (h *Handler) restrictionClear(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.ClearRestriction())
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.archiver == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive storage not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.archiver.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]ArchiveObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) objectURL(c *gin.Context) {
	if h.archiver == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive storage not configured"})
		return
	}
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object key is required"})
		return
	}
	url, err := h.archiver.GetObjectURL(c.Request.Context(), h.bucket, key, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) queueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrUnknownItem):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrBadOrdering):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrAlreadyRunning), errors.Is(err, queue.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type ItemResponse struct {
	Key              string `json:"key"`
	ID               string `json:"id"`
	Title            string `json:"title"`
	DurationSeconds  int    `json:"duration_seconds"`
	URL              string `json:"url"`
	RequestedQuality string `json:"requested_quality"`
	ResolvedQuality  string `json:"resolved_quality"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ArtifactPath     string `json:"artifact_path,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func itemToResponse(it *domain.QueueItem) ItemResponse {
	return ItemResponse{
		Key:              it.Key,
		ID:               it.ID,
		Title:            it.Title,
		DurationSeconds:  it.DurationSeconds,
		URL:              it.SourceURL,
		RequestedQuality: it.RequestedQuality.String(),
		ResolvedQuality:  it.ResolvedQuality.String(),
		Status:           string(it.Status),
		ErrorMessage:     it.ErrorMessage,
		ArtifactPath:     it.ArtifactPath,
		CreatedAt:        it.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        it.UpdatedAt.Format(time.RFC3339),
	}
}

type EventResponse struct {
	Type            string               `json:"type"`
	ItemKey         string               `json:"item_key,omitempty"`
	ItemID          string               `json:"item_id,omitempty"`
	Status          string               `json:"status,omitempty"`
	ResolvedQuality string               `json:"resolved_quality,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	Counts          *domain.StatusCounts `json:"counts,omitempty"`
	ItemKeys        []string             `json:"item_keys,omitempty"`
	NewQuality      string               `json:"new_quality,omitempty"`
	Stopped         bool                 `json:"stopped,omitempty"`
}

func eventToResponse(ev domain.Event) EventResponse {
	resp := EventResponse{
		Type:         string(ev.Type),
		ItemKey:      ev.ItemKey,
		ItemID:       ev.ItemID,
		ErrorMessage: ev.ErrorMessage,
		ItemKeys:     ev.ItemKeys,
		Stopped:      ev.Stopped,
	}
	switch ev.Type {
	case domain.EventItemStatusChanged:
		resp.Status = string(ev.Status)
		resp.ResolvedQuality = ev.ResolvedQuality.String()
	case domain.EventQueueSummaryChanged:
		counts := ev.Counts
		resp.Counts = &counts
	case domain.EventBatchQualityRewritten:
		resp.NewQuality = ev.NewQuality.String()
	}
	return resp
}

type ArchiveObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) ArchiveObjectResponse {
	resp := ArchiveObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
