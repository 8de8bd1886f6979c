package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"balagruha-offline-sync/config"
	"balagruha-offline-sync/internal/api/middleware"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/db"
	"balagruha-offline-sync/internal/db/repository"
	"balagruha-offline-sync/internal/server/sse"
	"balagruha-offline-sync/internal/services/queue"
	offsync "balagruha-offline-sync/internal/services/sync"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReplayer struct {
	summary *offsync.Summary
	err     error
	calls   int
}

func (f *fakeReplayer) ReplayPending(ctx context.Context) (*offsync.Summary, error) {
	f.calls++
	return f.summary, f.err
}

type testEnv struct {
	router    *gin.Engine
	queue     *queue.Service
	hub       *sse.Hub
	replayer  *fakeReplayer
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(config.DBConfig{File: filepath.Join(dir, "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(database) })

	hub := sse.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	uploadDir := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(uploadDir, 0o755))

	q := queue.NewService(repository.NewSQLiteRepository(database),
		queue.WithCreateOperations(offsync.DefaultRegistry()),
		queue.WithUploadDir(uploadDir),
		queue.WithNotifier(hub))

	translator, err := middleware.NewTranslator(middleware.I18nConfig{DefaultLanguage: "en"})
	require.NoError(t, err)

	replayer := &fakeReplayer{summary: &offsync.Summary{Message: "nothing to sync"}}
	r := gin.New()
	r.Use(middleware.I18n(translator))
	api := r.Group("/api/v1")
	NewOfflineHandler(q, replayer, hub, uploadDir).RegisterRoutes(api)
	NewSystemHandler(q, dir, nil, hub.ClientCount).RegisterRoutes(api)

	return &testEnv{router: r, queue: q, hub: hub, replayer: replayer, uploadDir: uploadDir}
}

type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, setup ...func(*http.Request)) (*httptest.ResponseRecorder, envelopeResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range setup {
		fn(req)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelopeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestEnqueue_JSON(t *testing.T) {
	e := newTestEnv(t)

	w, env := e.do(t, http.MethodPost, "/api/v1/offline-requests",
		`{"operation":"create-task","apiPath":"/api/v1/tasks","payload":{"title":"Water plants","priority":12345678901234567}}`,
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") })
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, env.Success)
	assert.Equal(t, "Offline request queued", env.Message)

	var rec models.OfflineRequest
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "POST", rec.Method)
	assert.NotEmpty(t, rec.GeneratedIDValue())
	assert.Contains(t, rec.Payload, "12345678901234567")
	assert.NotContains(t, w.Body.String(), "Bearer abc")

	stored, err := e.queue.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", stored.Token)
}

func TestEnqueue_ValidationError(t *testing.T) {
	e := newTestEnv(t)

	w, env := e.do(t, http.MethodPost, "/api/v1/offline-requests", `{"apiPath":"/api/v1/tasks"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
	assert.True(t, strings.HasPrefix(env.Message, "Invalid request:"))

	w, env = e.do(t, http.MethodPost, "/api/v1/offline-requests", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
}

func TestEnqueue_Multipart(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("operation", "create-user"))
	require.NoError(t, mw.WriteField("apiPath", "/api/v1/users"))
	require.NoError(t, mw.WriteField("name", "Asha"))
	require.NoError(t, mw.WriteField("role", "student"))
	fw, err := mw.CreateFormFile("facialData", "asha.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/offline-requests", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var env envelopeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var rec models.OfflineRequest
	require.NoError(t, json.Unmarshal(env.Data, &rec))

	assert.Contains(t, rec.Payload, `"name":"Asha"`)
	assert.NotContains(t, rec.Payload, "apiPath")

	var atts []models.Attachment
	require.NoError(t, json.Unmarshal([]byte(rec.AttachmentString), &atts))
	require.Len(t, atts, 1)
	assert.Equal(t, "facialData", atts[0].FieldName)
	assert.Equal(t, "asha.png", atts[0].OriginalName)
	assert.True(t, strings.HasPrefix(atts[0].Path, e.uploadDir))

	data, err := os.ReadFile(atts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestEnqueue_MultipartFailureRemovesUploads(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("apiPath", "/api/v1/users"))
	fw, err := mw.CreateFormFile("facialData", "asha.png")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("png-bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/offline-requests", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListGetUpdateDelete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first, err := e.queue.Enqueue(ctx, queue.EnqueueInput{Operation: "create-task", APIPath: "/api/v1/tasks"})
	require.NoError(t, err)
	second, err := e.queue.Enqueue(ctx, queue.EnqueueInput{Operation: "edit-user", APIPath: "/api/v1/users/000000000000000000000000", Method: "PUT"})
	require.NoError(t, err)

	w, env := e.do(t, http.MethodGet, "/api/v1/offline-requests/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []models.OfflineRequest
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	w, env = e.do(t, http.MethodGet, "/api/v1/offline-requests?operation=edit-user", "")
	require.Equal(t, http.StatusOK, w.Code)
	var filtered []models.OfflineRequest
	require.NoError(t, json.Unmarshal(env.Data, &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, second.ID, filtered[0].ID)
	assert.Equal(t, "1 offline requests", env.Message)

	w, _ = e.do(t, http.MethodGet, "/api/v1/offline-requests?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = e.do(t, http.MethodPut, "/api/v1/offline-requests/"+itoa(first.ID), `{"payload":{"title":"Sweep"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.OfflineRequest
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Contains(t, updated.Payload, "Sweep")

	w, env = e.do(t, http.MethodDelete, "/api/v1/offline-requests/"+itoa(second.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Offline request deleted", env.Message)

	w, env = e.do(t, http.MethodGet, "/api/v1/offline-requests/"+itoa(second.ID), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Code)

	w, _ = e.do(t, http.MethodGet, "/api/v1/offline-requests/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatusAndRequeue(t *testing.T) {
	e := newTestEnv(t)
	rec, err := e.queue.Enqueue(context.Background(), queue.EnqueueInput{Operation: "create-task", APIPath: "/api/v1/tasks"})
	require.NoError(t, err)
	path := "/api/v1/offline-requests/" + itoa(rec.ID)

	w, env := e.do(t, http.MethodPatch, path+"/status", `{"status":"in_flight"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)

	w, env = e.do(t, http.MethodPatch, path+"/status", `{"status":"failed","error":"rejected by operator"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Status changed to failed", env.Message)

	w, env = e.do(t, http.MethodPost, path+"/requeue", "")
	require.Equal(t, http.StatusOK, w.Code)
	var requeued models.OfflineRequest
	require.NoError(t, json.Unmarshal(env.Data, &requeued))
	assert.Equal(t, models.StatusPending, requeued.Status)
	assert.Empty(t, requeued.Error)

	w, env = e.do(t, http.MethodPost, path+"/requeue", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", env.Code)
}

func TestSync_LoopbackOnly(t *testing.T) {
	e := newTestEnv(t)

	w, _ := e.do(t, http.MethodPost, "/api/v1/offline-requests/sync", "", func(r *http.Request) {
		r.RemoteAddr = "192.168.1.20:5555"
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, e.replayer.calls)

	w, env := e.do(t, http.MethodPost, "/api/v1/offline-requests/sync", "", func(r *http.Request) {
		r.RemoteAddr = "127.0.0.1:5555"
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Sync finished: nothing to sync", env.Message)
	assert.Equal(t, 1, e.replayer.calls)

	e.replayer.err = offsync.ErrReplayRunning
	w, env = e.do(t, http.MethodPost, "/api/v1/offline-requests/sync", "", func(r *http.Request) {
		r.RemoteAddr = "[::1]:5555"
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", env.Code)
}

func TestSystemStatus(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.queue.Enqueue(context.Background(), queue.EnqueueInput{Operation: "create-task", APIPath: "/api/v1/tasks"})
	require.NoError(t, err)

	w, env := e.do(t, http.MethodGet, "/api/v1/system/status", "", func(r *http.Request) {
		r.Header.Set("Accept-Language", "hi-IN")
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "सिस्टम स्थिति", env.Message)

	var status SystemStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, int64(1), status.Queue.Pending)
	assert.Equal(t, "hi", status.Language)
	require.NotNil(t, status.Host)
}

func TestEvents_StreamsRecordChanges(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/offline-requests/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	_, err = e.queue.Enqueue(context.Background(), queue.EnqueueInput{Operation: "create-task", APIPath: "/api/v1/tasks", Token: "secret"})
	require.NoError(t, err)

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			if line != "" {
				got = append(got, line)
			}
		case <-deadline:
			t.Fatalf("no event received, got %v", got)
		}
	}
	assert.Equal(t, "event:record", got[0])
	assert.Contains(t, got[1], `"change":"enqueued"`)
	assert.NotContains(t, got[1], "secret")
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
