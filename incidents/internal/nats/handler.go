package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/common/messaging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/lifecycle"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/mapping"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Ingester files classified batches.
type Ingester interface {
	Ingest(ctx context.Context, b lifecycle.Batch) (*lifecycle.IngestResult, error)
}

// Maintainer runs the periodic cleanup jobs.
type Maintainer interface {
	Sanitize(ctx context.Context, datasourceID int64) (*lifecycle.SanitizeSummary, error)
	DeleteTrainingData(ctx context.Context, datasourceID int64, before time.Time) (int, error)
}

// Mapper runs mapping passes and records new classifier models.
type Mapper interface {
	Run(ctx context.Context, datasourceID int64) (*mapping.Summary, error)
	RegisterModel(ctx context.Context, datasourceID, modelID int64) (*models.ClassifierModel, error)
}

// SampleRecorder folds connectivity samples into status buckets.
type SampleRecorder interface {
	RecordSample(ctx context.Context, datasourceID, environmentID int64, s models.Sample) error
}

// Bus is the part of the broker client the handler needs.
type Bus interface {
	messaging.Subscriber
	Publish(ctx context.Context, subject string, data []byte) error
}

// Handler defaults for zero Dependencies fields.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultJobTimeout    = 10 * time.Minute
	DefaultRetryInterval = 200 * time.Millisecond
)

// Dependencies wires the handler to the domain services.
type Dependencies struct {
	Ingester   Ingester
	Maintainer Maintainer
	Mapper     Mapper
	Status     SampleRecorder
	Logger     *slog.Logger
	Now        func() time.Time

	// Timeout bounds one attempt at a batch or sample, JobTimeout a job.
	Timeout    time.Duration
	JobTimeout time.Duration

	// MaxRetries transient batch and sample failures are retried with
	// exponential backoff starting at RetryInterval. Jobs are not retried.
	MaxRetries    int
	RetryInterval time.Duration
}

// Handler consumes inbound subjects in the incidents-workers queue group.
type Handler struct {
	bus    Bus
	deps   Dependencies
	logger *slog.Logger
	subs   []messaging.Subscription

	// base is the Start context; cancelling it aborts in-flight messages.
	base context.Context
}

// NewHandler creates a new NATS message handler.
func NewHandler(bus Bus, deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}
	if deps.JobTimeout <= 0 {
		deps.JobTimeout = DefaultJobTimeout
	}
	if deps.RetryInterval <= 0 {
		deps.RetryInterval = DefaultRetryInterval
	}
	deps.MaxRetries = max(deps.MaxRetries, 0)
	return &Handler{
		bus:    bus,
		deps:   deps,
		logger: logger.With(slog.String("component", "nats-handler")),
		base:   context.Background(),
	}
}

// Start subscribes to every inbound subject.
func (h *Handler) Start(ctx context.Context) error {
	h.base = ctx
	retries, timeout, jobTimeout := h.deps.MaxRetries, h.deps.Timeout, h.deps.JobTimeout
	handlers := map[string]messaging.MessageHandler{
		messaging.SubjectBatchesClassified:     h.guard(timeout, retries, h.handleBatch),
		messaging.SubjectStatusSamples:         h.guard(timeout, retries, h.handleSample),
		messaging.SubjectJobsRunMapping:        h.guard(jobTimeout, 0, h.job(h.runMapping)),
		messaging.SubjectJobsSanitize:          h.guard(jobTimeout, 0, h.job(h.sanitize)),
		messaging.SubjectJobsPurgeTrainingData: h.guard(jobTimeout, 0, h.job(h.purgeTrainingData)),
		messaging.SubjectJobsRegisterModel:     h.guard(jobTimeout, 0, h.job(h.registerModel)),
	}
	for _, subject := range messaging.InboundSubjects() {
		sub, err := h.bus.QueueSubscribe(subject, messaging.QueueIncidentsWorkers, handlers[subject])
		if err != nil {
			_ = h.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}
	h.logger.InfoContext(ctx, "NATS handler started",
		slog.Int("subjects", len(h.subs)),
		slog.String("queue_group", messaging.QueueIncidentsWorkers))
	return nil
}

// Stop unsubscribes from all subjects.
func (h *Handler) Stop() error {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", logging.Subject(sub.Subject()), logging.Error(err))
		}
	}
	h.subs = nil
	return nil
}

// guard runs fn with a deadline per attempt and retries failures up to
// retries times. Handlers drop permanent failures themselves, so every
// error reaching guard is worth another attempt. Once retries are
// exhausted the message is dropped and the last error returned.
func (h *Handler) guard(timeout time.Duration, retries int, fn messaging.MessageHandler) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(h.base, cancel)
		defer stop()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = h.deps.RetryInterval
		policy.MaxElapsedTime = 0

		attempts := 0
		err := backoff.Retry(func() error {
			attempts++
			attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
			defer cancelAttempt()
			return fn(attemptCtx, msg)
		}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
		if err != nil {
			return fmt.Errorf("dropping message after %d attempts: %w", attempts, err)
		}
		if attempts > 1 {
			h.logger.InfoContext(ctx, "message handled after retry",
				logging.Subject(msg.Subject), slog.Int("attempts", attempts))
		}
		return nil
	}
}

// permanent reports whether retrying the message cannot help.
func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidInput) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrForbidden)
}

func (h *Handler) handleBatch(ctx context.Context, msg *messaging.Message) error {
	var b lifecycle.Batch
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		h.logger.WarnContext(ctx, "dropping malformed batch", logging.Subject(msg.Subject), logging.Error(err))
		return nil
	}
	res, err := h.deps.Ingester.Ingest(ctx, b)
	if err != nil {
		if permanent(err) {
			h.logger.WarnContext(ctx, "dropping rejected batch",
				logging.DatasourceID(b.DatasourceID), logging.Error(err))
			return nil
		}
		return fmt.Errorf("failed to ingest batch: %w", err)
	}
	h.logger.DebugContext(ctx, "batch ingested",
		logging.DatasourceID(b.DatasourceID),
		logging.IncidentTypeID(res.IncidentType.ID),
		logging.IncidentID(res.Incident.ID))
	return nil
}

func (h *Handler) handleSample(ctx context.Context, msg *messaging.Message) error {
	var m StatusSampleMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		h.logger.WarnContext(ctx, "dropping malformed status sample", logging.Error(err))
		return nil
	}
	if err := h.deps.Status.RecordSample(ctx, m.DatasourceID, m.EnvironmentID, m.Sample); err != nil {
		if permanent(err) {
			h.logger.WarnContext(ctx, "dropping rejected status sample",
				logging.DatasourceID(m.DatasourceID), logging.EnvironmentID(m.EnvironmentID), logging.Error(err))
			return nil
		}
		return fmt.Errorf("failed to record status sample: %w", err)
	}
	return nil
}

type jobFunc func(ctx context.Context, req *JobRequest) (any, error)

// job decodes a JobRequest, runs fn and replies when the sender asked
// for it.
func (h *Handler) job(fn jobFunc) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		start := h.deps.Now()
		var req JobRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.logger.WarnContext(ctx, "dropping malformed job", logging.Subject(msg.Subject), logging.Error(err))
			return h.reply(ctx, msg, &JobResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		}
		result, err := fn(ctx, &req)
		resp := &JobResponse{
			JobID:        req.JobID,
			DatasourceID: req.DatasourceID,
			Success:      err == nil,
			Result:       result,
			TookMs:       h.deps.Now().Sub(start).Milliseconds(),
		}
		if err != nil {
			resp.Error = err.Error()
			h.logger.WarnContext(ctx, "job failed",
				logging.Subject(msg.Subject), logging.DatasourceID(req.DatasourceID), logging.Error(err))
		} else {
			h.logger.InfoContext(ctx, "job completed",
				logging.Subject(msg.Subject), logging.DatasourceID(req.DatasourceID), logging.Duration(resp.TookMs))
		}
		return h.reply(context.WithoutCancel(ctx), msg, resp)
	}
}

func (h *Handler) reply(ctx context.Context, msg *messaging.Message, resp *JobResponse) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal job response: %w", err)
	}
	return h.bus.Publish(ctx, msg.Reply, data)
}

func (h *Handler) runMapping(ctx context.Context, req *JobRequest) (any, error) {
	return h.deps.Mapper.Run(ctx, req.DatasourceID)
}

func (h *Handler) sanitize(ctx context.Context, req *JobRequest) (any, error) {
	return h.deps.Maintainer.Sanitize(ctx, req.DatasourceID)
}

func (h *Handler) purgeTrainingData(ctx context.Context, req *JobRequest) (any, error) {
	before := req.Before
	if before.IsZero() && req.OlderThan > 0 {
		before = h.deps.Now().Add(-time.Duration(req.OlderThan))
	}
	deleted, err := h.deps.Maintainer.DeleteTrainingData(ctx, req.DatasourceID, before)
	if err != nil {
		return nil, err
	}
	return map[string]int{"deleted": deleted}, nil
}

func (h *Handler) registerModel(ctx context.Context, req *JobRequest) (any, error) {
	return h.deps.Mapper.RegisterModel(ctx, req.DatasourceID, req.ModelID)
}
