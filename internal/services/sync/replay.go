package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"balagruha-offline-sync/internal/core/apperror"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"
	"balagruha-offline-sync/internal/integrations/remote"
	"balagruha-offline-sync/internal/lock"
	"balagruha-offline-sync/internal/metrics"
	"balagruha-offline-sync/internal/services/queue"
	"balagruha-offline-sync/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Transmitter sends records to the remote server.
type Transmitter interface {
	SendJSON(ctx context.Context, r remote.Request) (json.RawMessage, error)
	SendMultipart(ctx context.Context, r remote.Request) (json.RawMessage, error)
	ResolveGeneratedID(ctx context.Context, kind remote.EntityKind, generatedID, token string) (string, error)
}

// RecordOutcome is the result of one record in a pass.
type RecordOutcome struct {
	ID        uint   `json:"id"`
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Summary reports a finished replay pass.
type Summary struct {
	Message    string          `json:"message"`
	Total      int             `json:"total"`
	Synced     int             `json:"synced"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Unknown    int             `json:"unknown"`
	Pending    int64           `json:"pending"`
	Cancelled  bool            `json:"cancelled"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Records    []RecordOutcome `json:"records"`
}

// Options tune the engine.
type Options struct {
	// UnknownOperationMaxSkips fails a record whose operation stayed unknown
	// for that many passes. 0 keeps it pending forever.
	UnknownOperationMaxSkips int
	// StaleClaimAfter releases in_flight claims older than this before each pass.
	StaleClaimAfter time.Duration
}

// ErrReplayRunning is returned when another pass holds the replay lock.
var ErrReplayRunning = apperror.New(apperror.CodeConflict, "a replay pass is already running")

// objectIDSegment matches a 24 hex character document id.
var objectIDSegment = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// Engine replays pending records against the remote server.
type Engine struct {
	queue     *queue.Service
	registry  *Registry
	remote    Transmitter
	locker    lock.Locker
	opts      Options
	mu        sync.Mutex
	listeners []func(Summary)
}

// NewEngine creates a replay engine.
func NewEngine(q *queue.Service, registry *Registry, tx Transmitter, locker lock.Locker, opts Options) *Engine {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Engine{
		queue:    q,
		registry: registry,
		remote:   tx,
		locker:   locker,
		opts:     opts,
	}
}

// OnSummary registers a callback invoked after every completed pass.
func (e *Engine) OnSummary(fn func(Summary)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// ReplayPending runs one pass over the pending records in FIFO order.
// Per-record failures are recorded on the record and never abort the pass;
// storage failures do.
func (e *Engine) ReplayPending(ctx context.Context) (*Summary, error) {
	started := time.Now()

	lease, err := e.locker.Obtain(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			metrics.ObserveReplay("busy", 0)
			return nil, ErrReplayRunning
		}
		metrics.ObserveReplay("error", time.Since(started))
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to obtain replay lock", err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			log.Warnf("Failed to release replay lock: %v", err)
		}
	}()

	summary, err := e.run(ctx)
	if err != nil {
		metrics.ObserveReplay("error", time.Since(started))
		return nil, err
	}
	metrics.ObserveReplay("ok", time.Since(started))

	e.mu.Lock()
	listeners := append([]func(Summary){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(*summary)
	}
	return summary, nil
}

func (e *Engine) run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: timezone.Now(), Records: []RecordOutcome{}}

	if e.opts.StaleClaimAfter > 0 {
		if _, err := e.queue.RecoverStale(ctx, e.opts.StaleClaimAfter); err != nil {
			return nil, err
		}
	}

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	// the pass works on this id snapshot; every decision re-reads the store
	ids := make([]uint, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	summary.Total = len(ids)

	if len(ids) == 0 {
		summary.Message = "nothing to sync"
		return e.finish(ctx, summary)
	}
	log.Infof("Replaying %d pending offline requests", len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		outcome, err := e.replayOne(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			return nil, err
		}
		summary.Records = append(summary.Records, outcome)
		metrics.ObserveRecord(outcome.Operation, outcome.Outcome)

		switch outcome.Outcome {
		case metrics.OutcomeSynced:
			summary.Synced++
		case metrics.OutcomeFailed:
			summary.Failed++
		case metrics.OutcomeUnknown:
			summary.Unknown++
		case metrics.OutcomeSkipped:
			summary.Skipped++
		case metrics.OutcomeReleased:
			summary.Cancelled = true
		}
		if summary.Cancelled {
			break
		}
	}

	summary.Message = fmt.Sprintf("%d synced, %d failed", summary.Synced, summary.Failed)
	if summary.Cancelled {
		summary.Message += ", pass cancelled"
	}
	return e.finish(ctx, summary)
}

func (e *Engine) finish(ctx context.Context, summary *Summary) (*Summary, error) {
	// counts are read even when ctx was cancelled so the summary stays accurate
	counts, err := e.queue.Counts(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	metrics.SetQueueCounts(counts)
	summary.Pending = counts.Pending
	summary.FinishedAt = timezone.Now()

	log.WithFields(log.Fields{
		"total":   summary.Total,
		"synced":  summary.Synced,
		"failed":  summary.Failed,
		"skipped": summary.Skipped,
		"unknown": summary.Unknown,
		"pending": summary.Pending,
	}).Info("Replay pass finished")
	return summary, nil
}

// replayOne handles a single record. A returned error is a storage failure
// that must stop the pass.
func (e *Engine) replayOne(ctx context.Context, id uint) (RecordOutcome, error) {
	out := RecordOutcome{ID: id}

	req, err := e.queue.GetByID(ctx, id)
	if apperror.Is(err, apperror.CodeNotFound) {
		out.Outcome = metrics.OutcomeSkipped
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Operation = req.Operation
	if req.Status != models.StatusPending {
		out.Outcome = metrics.OutcomeSkipped
		return out, nil
	}

	entry := log.WithFields(log.Fields{"id": req.ID, "operation": req.Operation})

	op, known := e.registry.Lookup(req.Operation)
	if !known {
		entry.Warn("Unknown operation, leaving offline request pending")
		escalated, err := e.queue.MarkSkipped(ctx, id, e.opts.UnknownOperationMaxSkips)
		if err != nil {
			return out, err
		}
		out.Outcome = metrics.OutcomeUnknown
		if escalated {
			out.Outcome = metrics.OutcomeFailed
			out.Error = "unknown operation"
		}
		return out, nil
	}

	claimed, err := e.queue.Claim(ctx, id)
	if err != nil {
		return out, err
	}
	if !claimed {
		entry.Debug("Offline request claimed by another pass")
		out.Outcome = metrics.OutcomeSkipped
		return out, nil
	}

	path, dispatchErr := e.safeDispatch(ctx, req, op)
	out.Path = path

	// the outcome is written even if ctx was cancelled meanwhile
	storeCtx := context.WithoutCancel(ctx)

	if dispatchErr != nil && ctx.Err() != nil {
		// interrupted before an outcome; the record goes back for the next pass
		if err := e.queue.Release(storeCtx, id); err != nil {
			return out, err
		}
		entry.Info("Replay cancelled, offline request released")
		out.Outcome = metrics.OutcomeReleased
		return out, nil
	}

	if dispatchErr != nil {
		entry.WithError(dispatchErr).Warn("Offline request failed")
		if _, err := e.queue.Settle(storeCtx, id, models.StatusFailed, dispatchErr.Error()); err != nil {
			return claimLost(entry, out, err)
		}
		out.Outcome = metrics.OutcomeFailed
		out.Error = dispatchErr.Error()
		return out, nil
	}

	if _, err := e.queue.Settle(storeCtx, id, models.StatusSynced, ""); err != nil {
		return claimLost(entry, out, err)
	}
	entry.Infof("Offline request synced to %s", path)
	out.Outcome = metrics.OutcomeSynced
	return out, nil
}

// claimLost turns a settle whose claim was taken away into a skipped outcome
// for this record. Any other error is passed on.
func claimLost(entry *log.Entry, out RecordOutcome, err error) (RecordOutcome, error) {
	if !errors.Is(err, queue.ErrClaimLost) {
		return out, err
	}
	entry.WithError(err).Warn("Offline request lost its claim during replay, outcome not recorded")
	out.Outcome = metrics.OutcomeSkipped
	out.Error = "claim lost before the outcome was recorded"
	return out, nil
}

// safeDispatch turns a panic in one record into that record's failure.
func (e *Engine) safeDispatch(ctx context.Context, req *models.OfflineRequest, op Operation) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.New(apperror.CodeInternal, fmt.Sprintf("replay panicked: %v", r))
		}
	}()
	return e.dispatch(ctx, req, op)
}

func (e *Engine) dispatch(ctx context.Context, req *models.OfflineRequest, op Operation) (string, error) {
	fields, err := payload.Decode(req.Payload)
	if err != nil {
		return req.APIPath, apperror.Wrap(apperror.CodeValidation, "stored payload is invalid", err)
	}
	atts, err := payload.DecodeAttachments(req.AttachmentString)
	if err != nil {
		return req.APIPath, apperror.Wrap(apperror.CodeValidation, "stored attachments are invalid", err)
	}

	path := req.APIPath
	switch op.Kind {
	case KindDirect:
		if gid := req.GeneratedIDValue(); gid != "" {
			fields[payload.GeneratedIDField] = gid
		}
	case KindDependent:
		resolved, err := e.remote.ResolveGeneratedID(ctx, op.Entity, req.GeneratedIDValue(), req.Token)
		if err != nil {
			return path, err
		}
		rewritten, ok := RewritePath(path, resolved)
		if !ok {
			return path, apperror.New(apperror.CodeResolution,
				fmt.Sprintf("path %s has no object id segment to replace", path))
		}
		path = rewritten
	}

	r := remote.Request{
		Method:      req.Method,
		Path:        path,
		Token:       req.Token,
		Fields:      fields,
		Attachments: atts,
	}
	if op.Multipart || len(atts) > 0 {
		_, err = e.remote.SendMultipart(ctx, r)
	} else {
		_, err = e.remote.SendJSON(ctx, r)
	}
	return path, err
}

// RewritePath replaces the first path segment that looks like a document id
// with resolvedID. The query string is kept.
func RewritePath(apiPath, resolvedID string) (string, bool) {
	path, query, hasQuery := strings.Cut(apiPath, "?")
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if objectIDSegment.MatchString(seg) {
			segments[i] = resolvedID
			out := strings.Join(segments, "/")
			if hasQuery {
				out += "?" + query
			}
			return out, true
		}
	}
	return apiPath, false
}
