// Package queue is the only writer of offline request records. HTTP handlers,
// the CLI and the replay engine all go through Service.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"balagruha-offline-sync/internal/core/apperror"
	"balagruha-offline-sync/internal/core/idgen"
	"balagruha-offline-sync/internal/core/lifecycle"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"
	"balagruha-offline-sync/internal/db/repository"
	"balagruha-offline-sync/internal/util/timezone"
	"balagruha-offline-sync/internal/utils"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ErrClaimLost is returned by Settle when the record is no longer in_flight,
// e.g. because stale claim recovery in another process released it.
var ErrClaimLost = errors.New("claim lost")

// CreateOperations tells the service which operations create a new entity and
// therefore need a generated id before they are stored.
type CreateOperations interface {
	IsDirectCreate(operation string) bool
}

// Notifier receives every record after a state change.
type Notifier interface {
	RecordChanged(event string, req models.OfflineRequest)
}

// Change events passed to Notifier.
const (
	EventEnqueued = "enqueued"
	EventUpdated  = "updated"
	EventStatus   = "status"
	EventDeleted  = "deleted"
)

// EnqueueInput describes a mutation captured while offline.
type EnqueueInput struct {
	Operation        string              `json:"operation" validate:"required"`
	APIPath          string              `json:"apiPath" validate:"required"`
	Method           string              `json:"method" validate:"oneof=GET POST PUT PATCH DELETE"`
	Payload          interface{}         `json:"payload"`
	Attachments      []models.Attachment `json:"attachments"`
	AttachmentString string              `json:"attachmentString"`
	Token            string              `json:"token"`
	GeneratedID      string              `json:"generatedId"`
}

// UpdateInput carries a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Operation        *string             `json:"operation" validate:"omitempty,min=1"`
	APIPath          *string             `json:"apiPath" validate:"omitempty,min=1"`
	Method           *string             `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Payload          interface{}         `json:"payload"`
	Attachments      []models.Attachment `json:"attachments"`
	AttachmentString *string             `json:"attachmentString"`
	Token            *string             `json:"token"`
	GeneratedID      *string             `json:"generatedId"`
	Error            *string             `json:"error"`
}

// Service implements the queue operations on top of a repository.
type Service struct {
	repo      repository.OfflineRequestRepository
	validate  *validator.Validate
	assigner  idgen.Assigner
	creates   CreateOperations
	notifiers []Notifier
	uploadDir string
}

// Option configures a Service.
type Option func(*Service)

// WithAssigner replaces the default generated id assigner.
func WithAssigner(a idgen.Assigner) Option {
	return func(s *Service) { s.assigner = a }
}

// WithCreateOperations enables generated id assignment for direct-create operations.
func WithCreateOperations(c CreateOperations) Option {
	return func(s *Service) { s.creates = c }
}

// WithUploadDir sets the directory attachments must live in. Without it no
// attachments are accepted.
func WithUploadDir(dir string) Option {
	return func(s *Service) { s.uploadDir = dir }
}

// WithNotifier registers a listener for record changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifiers = append(s.notifiers, n) }
}

// NewService creates the queue service.
func NewService(repo repository.OfflineRequestRepository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		validate: validator.New(),
		assigner: idgen.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNotifier registers a listener after construction.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Enqueue validates and persists a new pending record.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*models.OfflineRequest, error) {
	in.Operation = strings.TrimSpace(in.Operation)
	in.APIPath = strings.TrimSpace(in.APIPath)
	in.Method = normalizeMethod(in.Method)
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	body, err := payload.Encode(in.Payload)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, "payload must be a JSON object", err)
	}

	attString, err := s.normalizeAttachments(in.Attachments, in.AttachmentString)
	if err != nil {
		return nil, err
	}

	generatedID := strings.TrimSpace(in.GeneratedID)
	if generatedID == "" {
		generatedID = payload.GeneratedID(body)
	}
	if s.creates != nil && s.creates.IsDirectCreate(in.Operation) {
		if generatedID == "" {
			generatedID = s.assigner.Assign()
		}
		// the created entity carries the id so the remote can echo it back
		if payload.GeneratedID(body) != generatedID {
			if body, err = payload.WithGeneratedID(body, generatedID); err != nil {
				return nil, apperror.Wrap(apperror.CodeValidation, "payload must be a JSON object", err)
			}
		}
	}

	req := &models.OfflineRequest{
		Operation:        in.Operation,
		APIPath:          in.APIPath,
		Method:           in.Method,
		Payload:          body,
		AttachmentString: attString,
		Attachments:      datatypes.JSON(attString),
		Status:           models.StatusPending,
		Token:            in.Token,
	}
	if generatedID != "" {
		req.GeneratedID = &generatedID
	}

	if err := s.repo.Create(ctx, req); err != nil {
		return nil, apperror.Database("failed to store offline request", err)
	}

	log.WithFields(log.Fields{
		"id":        req.ID,
		"operation": req.Operation,
		"path":      req.APIPath,
	}).Info("Offline request queued")
	s.notify(EventEnqueued, *req)
	return req, nil
}

// ListAll returns the records matching filter, newest first.
func (s *Service) ListAll(ctx context.Context, filter repository.Filter) ([]models.OfflineRequest, error) {
	if filter.Status != "" && !isKnownStatus(filter.Status) {
		return nil, apperror.Validation("unknown status %q", filter.Status)
	}
	requests, err := s.repo.List(ctx, filter, false)
	if err != nil {
		return nil, apperror.Database("failed to list offline requests", err)
	}
	return requests, nil
}

// ListPending returns pending records oldest first.
func (s *Service) ListPending(ctx context.Context) ([]models.OfflineRequest, error) {
	requests, err := s.repo.List(ctx, repository.Filter{Status: models.StatusPending}, true)
	if err != nil {
		return nil, apperror.Database("failed to list pending offline requests", err)
	}
	return requests, nil
}

// GetByID returns a record or a NOT_FOUND error.
func (s *Service) GetByID(ctx context.Context, id uint) (*models.OfflineRequest, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperror.Database("failed to load offline request", err)
	}
	if req == nil {
		return nil, apperror.NotFound("offline request %d not found", id)
	}
	return req, nil
}

// Update merges the non-nil fields of in into the record.
func (s *Service) Update(ctx context.Context, id uint, in UpdateInput) (*models.OfflineRequest, error) {
	if in.Method != nil {
		method := normalizeMethod(*in.Method)
		in.Method = &method
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StatusInFlight {
		return nil, inFlightError(id)
	}

	fields := map[string]interface{}{}
	if in.Operation != nil {
		fields["operation"] = strings.TrimSpace(*in.Operation)
	}
	if in.APIPath != nil {
		fields["api_path"] = strings.TrimSpace(*in.APIPath)
	}
	if in.Method != nil {
		fields["method"] = *in.Method
	}
	if in.Payload != nil {
		body, err := payload.Encode(in.Payload)
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeValidation, "payload must be a JSON object", err)
		}
		fields["payload"] = body
	}
	if in.Attachments != nil || in.AttachmentString != nil {
		raw := ""
		if in.AttachmentString != nil {
			raw = *in.AttachmentString
		}
		attString, err := s.normalizeAttachments(in.Attachments, raw)
		if err != nil {
			return nil, err
		}
		fields["attachment_string"] = attString
		fields["attachments"] = datatypes.JSON(attString)
	}
	if in.Token != nil {
		fields["token"] = *in.Token
	}
	if in.Error != nil {
		fields["error"] = *in.Error
	}
	if in.GeneratedID != nil {
		next := strings.TrimSpace(*in.GeneratedID)
		existing := current.GeneratedIDValue()
		switch {
		case existing != "" && next != existing:
			return nil, apperror.Validation("generatedId of offline request %d cannot be changed", id)
		case existing == "" && next != "":
			fields["generated_id"] = next
		}
	}

	if len(fields) == 0 {
		return current, nil
	}

	ok, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		return nil, apperror.Database("failed to update offline request", err)
	}
	if !ok {
		return nil, s.notWritable(ctx, id)
	}
	return s.reloadAndNotify(ctx, id, EventUpdated)
}

// UpdateStatus sets a public status and, when errMsg is not nil, the error text.
// Records owned by a running pass (in_flight) are refused with CONFLICT.
func (s *Service) UpdateStatus(ctx context.Context, id uint, status string, errMsg *string) (*models.OfflineRequest, error) {
	if !lifecycle.IsPublic(status) {
		return nil, apperror.Validation("invalid status %q, expected one of pending, synced, failed", status)
	}
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StatusInFlight {
		return nil, inFlightError(id)
	}

	fields := map[string]interface{}{
		"status":     status,
		"claimed_at": nil,
	}
	if errMsg != nil {
		fields["error"] = *errMsg
	}
	ok, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		return nil, apperror.Database("failed to update offline request status", err)
	}
	if !ok {
		return nil, s.notWritable(ctx, id)
	}
	return s.reloadAndNotify(ctx, id, EventStatus)
}

// Delete removes a record and returns it. in_flight records are refused.
func (s *Service) Delete(ctx context.Context, id uint) (*models.OfflineRequest, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == models.StatusInFlight {
		return nil, inFlightError(id)
	}
	ok, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, apperror.Database("failed to delete offline request", err)
	}
	if !ok {
		return nil, s.notWritable(ctx, id)
	}
	log.WithField("id", id).Info("Offline request deleted")
	s.notify(EventDeleted, *req)
	return req, nil
}

// Requeue moves a failed record back to pending and clears its error.
func (s *Service) Requeue(ctx context.Context, id uint) (*models.OfflineRequest, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := lifecycle.Next(req.Status, lifecycle.EventRequeue)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeConflict, fmt.Sprintf("offline request %d cannot be requeued", id), err)
	}
	ok, err := s.repo.UpdateIfStatus(ctx, id, req.Status, map[string]interface{}{
		"status":     next,
		"error":      "",
		"skip_count": 0,
	})
	if err != nil {
		return nil, apperror.Database("failed to requeue offline request", err)
	}
	if !ok {
		return nil, apperror.New(apperror.CodeConflict, fmt.Sprintf("offline request %d changed concurrently", id))
	}
	return s.reloadAndNotify(ctx, id, EventStatus)
}

// Claim moves a pending record to in_flight. It returns false when another
// pass already owns the record or it is no longer pending.
func (s *Service) Claim(ctx context.Context, id uint) (bool, error) {
	next, err := lifecycle.Next(models.StatusPending, lifecycle.EventClaim)
	if err != nil {
		return false, err
	}
	now := timezone.Now()
	ok, err := s.repo.UpdateIfStatus(ctx, id, models.StatusPending, map[string]interface{}{
		"status":     next,
		"claimed_at": now,
	})
	if err != nil {
		return false, apperror.Database("failed to claim offline request", err)
	}
	return ok, nil
}

// Settle records the outcome of a claimed record. outcome must be synced or failed.
func (s *Service) Settle(ctx context.Context, id uint, outcome string, errMsg string) (*models.OfflineRequest, error) {
	event := lifecycle.EventSync
	if outcome == models.StatusFailed {
		event = lifecycle.EventFail
	} else if outcome != models.StatusSynced {
		return nil, apperror.Validation("invalid outcome %q", outcome)
	}
	next, err := lifecycle.Next(models.StatusInFlight, event)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"status":     next,
		"claimed_at": nil,
	}
	if next == models.StatusFailed {
		fields["error"] = errMsg
	} else {
		fields["error"] = ""
	}
	ok, err := s.repo.UpdateIfStatus(ctx, id, models.StatusInFlight, fields)
	if err != nil {
		return nil, apperror.Database("failed to settle offline request", err)
	}
	if !ok {
		return nil, apperror.Wrap(apperror.CodeConflict, fmt.Sprintf("offline request %d is not in flight", id), ErrClaimLost)
	}
	return s.reloadAndNotify(ctx, id, EventStatus)
}

// Release returns a claimed record to pending without recording an outcome.
func (s *Service) Release(ctx context.Context, id uint) error {
	next, err := lifecycle.Next(models.StatusInFlight, lifecycle.EventRelease)
	if err != nil {
		return err
	}
	_, err = s.repo.UpdateIfStatus(ctx, id, models.StatusInFlight, map[string]interface{}{
		"status":     next,
		"claimed_at": nil,
	})
	if err != nil {
		return apperror.Database("failed to release offline request", err)
	}
	return nil
}

// MarkSkipped counts a pass that could not handle the record's operation.
// With maxSkips > 0 the record is failed once the count reaches maxSkips.
// It reports whether the record was escalated.
func (s *Service) MarkSkipped(ctx context.Context, id uint, maxSkips int) (bool, error) {
	count, err := s.repo.IncrementSkip(ctx, id)
	if err != nil {
		return false, apperror.Database("failed to count skipped offline request", err)
	}
	if maxSkips <= 0 || count < maxSkips {
		return false, nil
	}

	next, err := lifecycle.Next(models.StatusPending, lifecycle.EventEscalate)
	if err != nil {
		return false, err
	}
	ok, err := s.repo.UpdateIfStatus(ctx, id, models.StatusPending, map[string]interface{}{
		"status": next,
		"error":  fmt.Sprintf("unknown operation skipped %d times", count),
	})
	if err != nil {
		return false, apperror.Database("failed to escalate offline request", err)
	}
	if ok {
		if _, err := s.reloadAndNotify(ctx, id, EventStatus); err != nil {
			return true, err
		}
	}
	return ok, nil
}

// RecoverStale releases in_flight claims older than olderThan.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.ResetStaleClaims(ctx, timezone.Now().Add(-olderThan))
	if err != nil {
		return 0, apperror.Database("failed to recover stale claims", err)
	}
	if n > 0 {
		log.Warnf("Released %d stale in-flight offline requests", n)
	}
	return n, nil
}

// Counts returns the number of records per status.
func (s *Service) Counts(ctx context.Context) (models.QueueCounts, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return counts, apperror.Database("failed to count offline requests", err)
	}
	return counts, nil
}

// notWritable explains why a guarded write touched no row.
func (s *Service) notWritable(ctx context.Context, id uint) error {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == models.StatusInFlight {
		return inFlightError(id)
	}
	return apperror.New(apperror.CodeConflict, fmt.Sprintf("offline request %d changed concurrently", id))
}

func inFlightError(id uint) error {
	return apperror.New(apperror.CodeConflict, fmt.Sprintf("offline request %d is being replayed", id))
}

func (s *Service) reloadAndNotify(ctx context.Context, id uint, event string) (*models.OfflineRequest, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(event, *req)
	return req, nil
}

func (s *Service) notify(event string, req models.OfflineRequest) {
	for _, n := range s.notifiers {
		n.RecordChanged(event, req)
	}
}

// normalizeAttachments derives the structured list and its serialized form
// from whichever of the two the caller supplied. Every path must lie inside
// the upload directory.
func (s *Service) normalizeAttachments(atts []models.Attachment, raw string) (string, error) {
	if len(atts) == 0 && strings.TrimSpace(raw) != "" {
		decoded, err := payload.DecodeAttachments(raw)
		if err != nil {
			return "", apperror.Wrap(apperror.CodeValidation, "attachmentString must be a JSON array", err)
		}
		atts = decoded
	}
	for _, att := range atts {
		if !utils.WithinDir(s.uploadDir, att.Path) {
			return "", apperror.Validation("attachment %q is not inside the upload directory", att.Path)
		}
	}
	encoded, err := payload.EncodeAttachments(atts)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeValidation, "invalid attachments", err)
	}
	return encoded, nil
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return models.DefaultMethod
	}
	return method
}

func isKnownStatus(status string) bool {
	return lifecycle.IsPublic(status) || status == models.StatusInFlight
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Wrap(apperror.CodeValidation, "invalid input", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return apperror.Wrap(apperror.CodeValidation, strings.Join(parts, "; "), err)
}
