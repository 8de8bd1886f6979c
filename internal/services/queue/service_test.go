package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"balagruha-offline-sync/config"
	"balagruha-offline-sync/internal/core/apperror"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"
	"balagruha-offline-sync/internal/db"
	"balagruha-offline-sync/internal/db/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAssigner struct{ id string }

func (f fixedAssigner) Assign() string { return f.id }

type createOps map[string]bool

func (c createOps) IsDirectCreate(op string) bool { return c[op] }

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) RecordChanged(event string, req models.OfflineRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+req.Status)
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	database, err := db.Open(config.DBConfig{File: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(database) })
	return NewService(repository.NewSQLiteRepository(database), opts...)
}

func TestEnqueue_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueInput{APIPath: "/api/v1/users"})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = svc.Enqueue(ctx, EnqueueInput{Operation: "create-user"})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/x", Method: "TRACE"})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/x", Payload: "[1,2]"})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestEnqueue_Defaults(t *testing.T) {
	svc := newTestService(t)
	req, err := svc.Enqueue(context.Background(), EnqueueInput{
		Operation: "delete-balagruha",
		APIPath:   "/api/v1/balagruha/abc",
		Method:    "delete",
	})
	require.NoError(t, err)

	assert.Equal(t, "DELETE", req.Method)
	assert.Equal(t, models.EmptyPayload, req.Payload)
	assert.Equal(t, models.EmptyAttachments, req.AttachmentString)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Nil(t, req.GeneratedID)

	req, err = svc.Enqueue(context.Background(), EnqueueInput{Operation: "update-balagruha", APIPath: "/x"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMethod, req.Method)
}

func TestEnqueue_RoundTrip(t *testing.T) {
	svc := newTestService(t, WithUploadDir("/data/uploads"))
	ctx := context.Background()

	body := map[string]interface{}{"name": "Asha", "age": 12, "tags": []string{"a", "b"}}
	atts := []models.Attachment{
		{Path: "/data/uploads/f1.png", FieldName: "facialData", OriginalName: "face.png", MimeType: "image/png"},
		{Path: "/data/uploads/m1.pdf", FieldName: "medicalHistory", OriginalName: "history.pdf", MimeType: "application/pdf"},
	}
	created, err := svc.Enqueue(ctx, EnqueueInput{
		Operation:   "edit-user",
		APIPath:     "/api/v1/users/000000000000000000000000",
		Method:      "PUT",
		Payload:     body,
		Attachments: atts,
		Token:       "Bearer abc",
		GeneratedID: "G1",
	})
	require.NoError(t, err)

	loaded, err := svc.GetByID(ctx, created.ID)
	require.NoError(t, err)

	var want, got map[string]interface{}
	raw, _ := json.Marshal(body)
	require.NoError(t, json.Unmarshal(raw, &want))
	require.NoError(t, json.Unmarshal([]byte(loaded.Payload), &got))
	assert.Equal(t, want, got)

	decoded, err := payload.DecodeAttachments(loaded.AttachmentString)
	require.NoError(t, err)
	assert.Equal(t, atts, decoded)

	var mirror []models.Attachment
	require.NoError(t, json.Unmarshal(loaded.Attachments, &mirror))
	assert.Equal(t, atts, mirror)

	assert.Equal(t, "Bearer abc", loaded.Token)
	assert.Equal(t, "G1", loaded.GeneratedIDValue())
}

func TestEnqueue_AttachmentStringOnly(t *testing.T) {
	svc := newTestService(t, WithUploadDir("/tmp"))
	req, err := svc.Enqueue(context.Background(), EnqueueInput{
		Operation:        "create-user",
		APIPath:          "/api/v1/users",
		AttachmentString: `[{"path":"/tmp/a","fieldName":"facialData","originalname":"a.png","mimetype":"image/png"}]`,
	})
	require.NoError(t, err)

	var mirror []models.Attachment
	require.NoError(t, json.Unmarshal(req.Attachments, &mirror))
	require.Len(t, mirror, 1)
	assert.Equal(t, "facialData", mirror[0].FieldName)

	_, err = svc.Enqueue(context.Background(), EnqueueInput{
		Operation:        "create-user",
		APIPath:          "/api/v1/users",
		AttachmentString: `{"not":"an array"}`,
	})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestEnqueue_AttachmentsMustBeUploads(t *testing.T) {
	uploads := t.TempDir()
	svc := newTestService(t, WithUploadDir(uploads))
	ctx := context.Background()

	for _, path := range []string{"/etc/passwd", filepath.Join(uploads, "..", "secret.key"), uploads} {
		_, err := svc.Enqueue(ctx, EnqueueInput{
			Operation:   "create-user",
			APIPath:     "/api/v1/users",
			Attachments: []models.Attachment{{Path: path, FieldName: "facialData"}},
		})
		assert.True(t, apperror.Is(err, apperror.CodeValidation), path)
	}

	_, err := svc.Enqueue(ctx, EnqueueInput{
		Operation:        "create-user",
		APIPath:          "/api/v1/users",
		AttachmentString: `[{"path":"/etc/passwd","fieldName":"facialData"}]`,
	})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	req, err := svc.Enqueue(ctx, EnqueueInput{
		Operation:   "create-user",
		APIPath:     "/api/v1/users",
		Attachments: []models.Attachment{{Path: filepath.Join(uploads, "f1.png"), FieldName: "facialData"}},
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, req.ID, UpdateInput{Attachments: []models.Attachment{{Path: "/root/.ssh/id_rsa", FieldName: "facialData"}}})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
	stored, err := svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.AttachmentString, "f1.png")

	// without an upload directory nothing can be attached
	bare := newTestService(t)
	_, err = bare.Enqueue(ctx, EnqueueInput{
		Operation:   "create-user",
		APIPath:     "/api/v1/users",
		Attachments: []models.Attachment{{Path: filepath.Join(uploads, "f1.png")}},
	})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestEnqueue_AssignsGeneratedIDForDirectCreate(t *testing.T) {
	svc := newTestService(t,
		WithAssigner(fixedAssigner{id: "gen-1"}),
		WithCreateOperations(createOps{"create-user": true}),
	)
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{
		Operation: "create-user",
		APIPath:   "/api/v1/users",
		Payload:   `{"name":"A"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", req.GeneratedIDValue())
	assert.Equal(t, "gen-1", payload.GeneratedID(req.Payload))

	// an id already carried by the payload wins
	req, err = svc.Enqueue(ctx, EnqueueInput{
		Operation: "create-user",
		APIPath:   "/api/v1/users",
		Payload:   `{"name":"B","generatedId":"G7"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "G7", req.GeneratedIDValue())

	// dependent operations never get a fresh id
	req, err = svc.Enqueue(ctx, EnqueueInput{Operation: "delete-user", APIPath: "/api/v1/users/x"})
	require.NoError(t, err)
	assert.Nil(t, req.GeneratedID)
}

func TestListPending_FIFO(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 5; i++ {
		req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-task", APIPath: "/api/v1/tasks"})
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}
	_, err := svc.UpdateStatus(ctx, ids[2], models.StatusSynced, nil)
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	var got []uint
	for _, r := range pending {
		got = append(got, r.ID)
	}
	assert.Equal(t, []uint{ids[0], ids[1], ids[3], ids[4]}, got)

	all, err := svc.ListAll(ctx, repository.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID)
}

func TestListAll_Filters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-task", APIPath: "/a"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/b"})
	require.NoError(t, err)

	tasks, err := svc.ListAll(ctx, repository.Filter{Operation: "create-task"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = svc.ListAll(ctx, repository.Filter{Status: "bogus"})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestUpdateStatus(t *testing.T) {
	rec := &recorder{}
	svc := newTestService(t, WithNotifier(rec))
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/api/v1/users"})
	require.NoError(t, err)

	before, err := svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, req.ID, "bogus", nil)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
	unchanged, err := svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, unchanged.Status)
	assert.True(t, before.UpdatedAt.Equal(unchanged.UpdatedAt))

	_, err = svc.UpdateStatus(ctx, req.ID, models.StatusInFlight, nil)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = svc.UpdateStatus(ctx, 9999, models.StatusSynced, nil)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	msg := "remote rejected"
	failed, err := svc.UpdateStatus(ctx, req.ID, models.StatusFailed, &msg)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, msg, failed.Error)

	// without an error argument the previous error stays
	pending, err := svc.UpdateStatus(ctx, req.ID, models.StatusPending, nil)
	require.NoError(t, err)
	assert.Equal(t, msg, pending.Error)

	assert.Equal(t, []string{"enqueued:pending", "status:failed", "status:pending"}, rec.events)
}

func TestUpdate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "edit-user", APIPath: "/a", GeneratedID: "G1"})
	require.NoError(t, err)

	path := "/api/v1/users/abc"
	method := "put"
	updated, err := svc.Update(ctx, req.ID, UpdateInput{APIPath: &path, Method: &method, Payload: map[string]string{"name": "B"}})
	require.NoError(t, err)
	assert.Equal(t, path, updated.APIPath)
	assert.Equal(t, "PUT", updated.Method)
	assert.JSONEq(t, `{"name":"B"}`, updated.Payload)
	assert.Equal(t, "edit-user", updated.Operation)

	same := "G1"
	_, err = svc.Update(ctx, req.ID, UpdateInput{GeneratedID: &same})
	assert.NoError(t, err)

	other := "G2"
	_, err = svc.Update(ctx, req.ID, UpdateInput{GeneratedID: &other})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = svc.Update(ctx, 4242, UpdateInput{APIPath: &path})
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/a"})
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, deleted.ID)

	_, err = svc.Delete(ctx, req.ID)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestInFlightRecordsAreLocked(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/a"})
	require.NoError(t, err)
	claimed, err := svc.Claim(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = svc.UpdateStatus(ctx, req.ID, models.StatusPending, nil)
	assert.True(t, apperror.Is(err, apperror.CodeConflict))
	path := "/b"
	_, err = svc.Update(ctx, req.ID, UpdateInput{APIPath: &path})
	assert.True(t, apperror.Is(err, apperror.CodeConflict))
	_, err = svc.Delete(ctx, req.ID)
	assert.True(t, apperror.Is(err, apperror.CodeConflict))

	settled, err := svc.Settle(ctx, req.ID, models.StatusSynced, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, settled.Status)
	assert.Equal(t, "/a", settled.APIPath)

	// a second settle has lost its claim
	_, err = svc.Settle(ctx, req.ID, models.StatusSynced, "")
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.True(t, apperror.Is(err, apperror.CodeConflict))

	_, err = svc.Delete(ctx, req.ID)
	assert.NoError(t, err)
}

func TestClaimSettleRelease(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/a"})
	require.NoError(t, err)

	ok, err := svc.Claim(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Claim(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	require.NoError(t, svc.Release(ctx, req.ID))
	ok, err = svc.Claim(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	settled, err := svc.Settle(ctx, req.ID, models.StatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, settled.Status)
	assert.Equal(t, "boom", settled.Error)
	assert.Nil(t, settled.ClaimedAt)

	_, err = svc.Settle(ctx, req.ID, models.StatusSynced, "")
	assert.True(t, apperror.Is(err, apperror.CodeConflict))

	requeued, err := svc.Requeue(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, requeued.Status)
	assert.Empty(t, requeued.Error)

	_, err = svc.Requeue(ctx, req.ID)
	assert.True(t, apperror.Is(err, apperror.CodeConflict))
}

func TestMarkSkipped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.Enqueue(ctx, EnqueueInput{Operation: "not-a-real-op", APIPath: "/a"})
	require.NoError(t, err)

	escalated, err := svc.MarkSkipped(ctx, req.ID, 0)
	require.NoError(t, err)
	assert.False(t, escalated)

	escalated, err = svc.MarkSkipped(ctx, req.ID, 3)
	require.NoError(t, err)
	assert.False(t, escalated)

	escalated, err = svc.MarkSkipped(ctx, req.ID, 3)
	require.NoError(t, err)
	assert.True(t, escalated)

	loaded, err := svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, loaded.Status)
	assert.Equal(t, 3, loaded.SkipCount)
	assert.NotEmpty(t, loaded.Error)
}

func TestRecoverStaleAndCounts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/a"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, EnqueueInput{Operation: "create-user", APIPath: "/b"})
	require.NoError(t, err)

	ok, err := svc.Claim(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
	assert.Equal(t, int64(1), counts.InFlight)

	n, err := svc.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.RecoverStale(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err = svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)
	assert.Equal(t, int64(2), counts.Total())
}
