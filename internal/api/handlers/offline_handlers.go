package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"balagruha-offline-sync/internal/api/middleware"
	"balagruha-offline-sync/internal/core/apperror"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"
	"balagruha-offline-sync/internal/db/repository"
	"balagruha-offline-sync/internal/server/sse"
	"balagruha-offline-sync/internal/services/queue"
	offsync "balagruha-offline-sync/internal/services/sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Replayer runs a replay pass on demand.
type Replayer interface {
	ReplayPending(ctx context.Context) (*offsync.Summary, error)
}

// multipart form fields that describe the record instead of the payload
var reservedFormFields = map[string]bool{
	"operation":   true,
	"apiPath":     true,
	"method":      true,
	"token":       true,
	"generatedId": true,
	"payload":     true,
}

// OfflineHandler serves the offline request queue.
type OfflineHandler struct {
	queue     *queue.Service
	replayer  Replayer
	hub       *sse.Hub
	uploadDir string
}

// NewOfflineHandler creates the queue handler. hub may be nil, which disables the event stream.
func NewOfflineHandler(q *queue.Service, replayer Replayer, hub *sse.Hub, uploadDir string) *OfflineHandler {
	return &OfflineHandler{
		queue:     q,
		replayer:  replayer,
		hub:       hub,
		uploadDir: uploadDir,
	}
}

// RegisterRoutes registers the queue routes on the /api/v1 group.
func (h *OfflineHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/offline-requests")
	group.POST("", h.Enqueue)
	group.GET("", h.List)
	group.GET("/pending", h.ListPending)
	group.GET("/events", h.Events)
	group.POST("/sync", middleware.LoopbackOnly(), h.Sync)
	group.GET("/:id", h.Get)
	group.PUT("/:id", h.Update)
	group.PATCH("/:id/status", h.UpdateStatus)
	group.POST("/:id/requeue", h.Requeue)
	group.DELETE("/:id", h.Delete)
}

// Enqueue stores a new record from a JSON body or a multipart form with files.
func (h *OfflineHandler) Enqueue(c *gin.Context) {
	var (
		in    queue.EnqueueInput
		saved []string
		err   error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		in, saved, err = h.enqueueInputFromForm(c)
	} else {
		err = decodeJSON(c.Request.Body, &in)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if in.Token == "" {
		in.Token = c.GetHeader("Authorization")
	}

	req, err := h.queue.Enqueue(c.Request.Context(), in)
	if err != nil {
		removeFiles(saved)
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, req, "request_enqueued", nil)
}

// List returns all records, newest first, optionally filtered by status and operation.
func (h *OfflineHandler) List(c *gin.Context) {
	reqs, err := h.queue.ListAll(c.Request.Context(), repository.Filter{
		Status:    c.Query("status"),
		Operation: c.Query("operation"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, reqs, "requests_listed", map[string]interface{}{"Count": len(reqs)})
}

// ListPending returns the pending records in replay order.
func (h *OfflineHandler) ListPending(c *gin.Context) {
	reqs, err := h.queue.ListPending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, reqs, "requests_listed", map[string]interface{}{"Count": len(reqs)})
}

// Get returns a single record.
func (h *OfflineHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, err := h.queue.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, req, "request_found", nil)
}

// Update applies a partial update to a record.
func (h *OfflineHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var in queue.UpdateInput
	if err := decodeJSON(c.Request.Body, &in); err != nil {
		respondError(c, err)
		return
	}
	req, err := h.queue.Update(c.Request.Context(), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, req, "request_updated", nil)
}

type statusBody struct {
	Status string  `json:"status"`
	Error  *string `json:"error"`
}

// UpdateStatus sets the status of a record.
func (h *OfflineHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body statusBody
	if err := decodeJSON(c.Request.Body, &body); err != nil {
		respondError(c, err)
		return
	}
	req, err := h.queue.UpdateStatus(c.Request.Context(), id, body.Status, body.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, req, "status_updated", map[string]interface{}{"Status": req.Status})
}

// Requeue moves a failed record back to pending.
func (h *OfflineHandler) Requeue(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, err := h.queue.Requeue(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, req, "request_requeued", nil)
}

// Delete removes a record and returns it.
func (h *OfflineHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, err := h.queue.Delete(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, req, "request_deleted", nil)
}

// Sync runs a replay pass and returns its summary.
func (h *OfflineHandler) Sync(c *gin.Context) {
	if h.replayer == nil {
		respondError(c, apperror.New(apperror.CodeInternal, "replay engine is not configured"))
		return
	}
	summary, err := h.replayer.ReplayPending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, summary, "sync_finished", map[string]interface{}{"Message": summary.Message})
}

// Events streams record changes and replay summaries as server-sent events.
func (h *OfflineHandler) Events(c *gin.Context) {
	if h.hub == nil {
		respondError(c, apperror.New(apperror.CodeInternal, "event stream is disabled"))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	client := sse.NewClient()
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Messages:
			if !ok {
				return // Hub gestoppt oder Client zu langsam
			}
			c.SSEvent(msg.Event, string(msg.Data))
			c.Writer.Flush()
		}
	}
}

// enqueueInputFromForm reads a multipart enqueue request. Uploaded files are
// saved to the upload dir and returned so they can be removed on failure.
func (h *OfflineHandler) enqueueInputFromForm(c *gin.Context) (queue.EnqueueInput, []string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return queue.EnqueueInput{}, nil, apperror.Validation("invalid multipart form: %v", err)
	}

	in := queue.EnqueueInput{
		Operation:   c.PostForm("operation"),
		APIPath:     c.PostForm("apiPath"),
		Method:      c.PostForm("method"),
		Token:       c.PostForm("token"),
		GeneratedID: c.PostForm("generatedId"),
	}

	if text := c.PostForm("payload"); text != "" {
		in.Payload = text
	} else {
		// Ohne "payload"-Feld bilden die übrigen Formularfelder den Payload
		fields := payload.Fields{}
		for key, values := range form.Value {
			if reservedFormFields[key] || len(values) == 0 {
				continue
			}
			if len(values) == 1 {
				fields[key] = values[0]
			} else {
				fields[key] = values
			}
		}
		in.Payload = fields
	}

	names := make([]string, 0, len(form.File))
	for name := range form.File {
		names = append(names, name)
	}
	sort.Strings(names)

	var saved []string
	for _, name := range names {
		for _, fh := range form.File[name] {
			att, err := h.saveUpload(c, name, fh)
			if err != nil {
				removeFiles(saved)
				return queue.EnqueueInput{}, nil, err
			}
			saved = append(saved, att.Path)
			in.Attachments = append(in.Attachments, att)
		}
	}
	return in, saved, nil
}

func (h *OfflineHandler) saveUpload(c *gin.Context, field string, fh *multipart.FileHeader) (models.Attachment, error) {
	if h.uploadDir == "" {
		return models.Attachment{}, apperror.New(apperror.CodeInternal, "upload directory is not configured")
	}
	original := filepath.Base(fh.Filename)
	dst := filepath.Join(h.uploadDir, uuid.NewString()+filepath.Ext(original))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return models.Attachment{}, apperror.Wrap(apperror.CodeInternal, fmt.Sprintf("failed to store upload %s", original), err)
	}
	log.Debugf("Stored upload %s for field %s at %s", original, field, dst)
	return models.Attachment{
		Path:         dst,
		FieldName:    field,
		OriginalName: original,
		MimeType:     fh.Header.Get("Content-Type"),
	}, nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Failed to remove upload %s: %v", p, err)
		}
	}
}

// decodeJSON keeps numbers as json.Number so payloads are stored unchanged.
func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.Validation("request body is empty")
		}
		return apperror.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperror.Validation("invalid id %q", c.Param("id")))
		return 0, false
	}
	return uint(id), true
}
