// Package executor runs submitted jobs against a bounded worker pool
// backed by an in-process NATS server, generalizing engine/ingest's
// StartConsumer (JSON-over-NATS, X-Retry-Count header, DLQ on exhaustion)
// from a single subscriber processing one post at a time to a queue-group
// pool processing whole jobs.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/metrics"
	"github.com/rake-ingest/rake/pkg/natsutil"
)

const (
	// SubmitSubject carries new job submissions.
	SubmitSubject = "job.submitted"
	// DLQSubject receives submissions that exhausted their retry budget.
	DLQSubject = "job.dlq"
	// QueueGroup is the NATS queue group every worker subscription shares,
	// so exactly one worker in the pool handles a given submission.
	QueueGroup = "rake-executor"
	// RetryHeader carries the attempt count across republishes.
	RetryHeader = "X-Retry-Count"

	defaultMaxWorkers = 4
	minWorkers        = 1
	maxWorkers        = 32
	defaultMaxRetries = 3
)

// Runner executes one job end to end. *engine/orchestrator.Orchestrator
// satisfies this.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// JobStore is the subset of engine/jobstore.Store the executor needs: look
// up non-terminal jobs to resume at startup, and record a failure that
// exhausted its retry budget.
type JobStore interface {
	GetActive(ctx context.Context, tenant *string) ([]model.Job, error)
	MarkFailed(ctx context.Context, jobID string, failedStage string, err error) error
}

// Submission is what gets published to SubmitSubject: enough to re-run a
// job's orchestrator pass without touching anything but the job id itself.
type Submission struct {
	JobID         string `json:"job_id"`
	SourceKind    string `json:"source_kind"`
	TenantID      string `json:"tenant_id"`
	CorrelationID string `json:"correlation_id"`
}

type dlqMessage struct {
	Submission Submission `json:"submission"`
	Error      string     `json:"error"`
	Retries    int        `json:"retries"`
}

// Options configures the embedded NATS server and worker pool.
type Options struct {
	MaxWorkers int
	MaxRetries int
	Host       string
	Port       int // -1 picks an ephemeral port; this server is never exposed externally.

	// MaxJobsPerSecond caps how often the whole pool starts new runs, shared
	// across every worker goroutine. Zero disables the cap, matching how an
	// unconfigured adapter rate limit behaves in engine/source.
	MaxJobsPerSecond float64
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = defaultMaxWorkers
	}
	if o.MaxWorkers < minWorkers {
		o.MaxWorkers = minWorkers
	}
	if o.MaxWorkers > maxWorkers {
		o.MaxWorkers = maxWorkers
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == 0 {
		o.Port = -1
	}
	return o
}

// Executor owns an embedded NATS server and a fixed pool of queue-group
// subscriptions that each run submitted jobs through Runner.
type Executor struct {
	opts    Options
	server  *natsserver.Server
	conn    *nats.Conn
	runner  Runner
	jobs    JobStore
	log     *slog.Logger
	subs    []*nats.Subscription
	metrics executorMetrics
	limiter *rate.Limiter
}

type executorMetrics struct {
	completed *metrics.Counter
	failed    *metrics.Counter
	retried   *metrics.Counter
	dlqd      *metrics.Counter
	duration  *metrics.Histogram
}

// New starts the embedded NATS server and connects to it, but does not yet
// subscribe workers — call Start for that. Pass a non-nil reg to publish
// per-job counters and a run-duration histogram under it; a nil reg skips
// metrics entirely.
func New(opts Options, runner Runner, jobs JobStore, log *slog.Logger, reg *metrics.Registry) (*Executor, error) {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	srv, err := natsserver.NewServer(&natsserver.Options{Host: opts.Host, Port: opts.Port})
	if err != nil {
		return nil, fmt.Errorf("executor: start embedded nats: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("executor: embedded nats did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("executor: connect to embedded nats: %w", err)
	}

	e := &Executor{opts: opts, server: srv, conn: conn, runner: runner, jobs: jobs, log: log}
	if opts.MaxJobsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.MaxJobsPerSecond), opts.MaxWorkers)
	}
	if reg != nil {
		e.metrics = executorMetrics{
			completed: reg.Counter("rake_jobs_completed_total", "jobs the executor ran to completion"),
			failed:    reg.Counter("rake_jobs_failed_total", "jobs that exhausted their retry budget"),
			retried:   reg.Counter("rake_jobs_retried_total", "job run attempts that were republished for retry"),
			dlqd:      reg.Counter("rake_jobs_dlq_total", "jobs published to the dead-letter subject"),
			duration:  reg.Histogram("rake_job_run_duration_seconds", "wall time of one executor.Runner.Run call", metrics.DefaultBuckets),
		}
	}
	return e, nil
}

// Start subscribes MaxWorkers queue-group workers and republishes every
// non-terminal job found via GetActive, resuming it from the beginning —
// the (a) option named in §4.11.
func (e *Executor) Start(ctx context.Context) error {
	for i := 0; i < e.opts.MaxWorkers; i++ {
		sub, err := e.conn.QueueSubscribe(SubmitSubject, QueueGroup, e.handle)
		if err != nil {
			return fmt.Errorf("executor: subscribe worker %d: %w", i, err)
		}
		e.subs = append(e.subs, sub)
	}
	return e.resumeActive(ctx)
}

func (e *Executor) resumeActive(ctx context.Context) error {
	active, err := e.jobs.GetActive(ctx, nil)
	if err != nil {
		return fmt.Errorf("executor: list active jobs: %w", err)
	}
	for _, job := range active {
		e.log.InfoContext(ctx, "executor: resuming job from beginning", "job_id", job.JobID, "status", job.Status)
		if err := e.Submit(Submission{
			JobID:         job.JobID,
			SourceKind:    job.SourceKind,
			TenantID:      job.TenantID,
			CorrelationID: job.CorrelationID,
		}); err != nil {
			e.log.WarnContext(ctx, "executor: resume submit failed", "job_id", job.JobID, "error", err)
		}
	}
	return nil
}

// Submit publishes sub to SubmitSubject for the next free worker to pick up.
// Uses natsutil so a submission's trace context travels with it in NATS
// message headers, the same propagation engine/ingest relies on downstream.
func (e *Executor) Submit(sub Submission) error {
	if err := natsutil.Publish(context.Background(), e.conn, SubmitSubject, sub); err != nil {
		return fmt.Errorf("executor: publish submission: %w", err)
	}
	return nil
}

func (e *Executor) handle(msg *nats.Msg) {
	var sub Submission
	if err := json.Unmarshal(msg.Data, &sub); err != nil {
		e.log.Error("executor: unmarshal submission failed", "error", err)
		return
	}

	retries := 0
	if msg.Header != nil {
		fmt.Sscanf(msg.Header.Get(RetryHeader), "%d", &retries)
	}

	ctx := context.Background()
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.log.ErrorContext(ctx, "executor: rate limiter wait failed", "job_id", sub.JobID, "error", err)
			return
		}
	}
	start := time.Now()
	runErr := e.runner.Run(ctx, sub.JobID)
	if e.metrics.duration != nil {
		e.metrics.duration.Since(start)
	}
	if runErr == nil {
		e.log.InfoContext(ctx, "executor: job completed", "job_id", sub.JobID)
		if e.metrics.completed != nil {
			e.metrics.completed.Inc()
		}
		return
	}

	retries++
	e.log.ErrorContext(ctx, "executor: job run failed", "job_id", sub.JobID, "error", runErr, "retry", retries)

	if retries >= e.opts.MaxRetries {
		dlq := dlqMessage{Submission: sub, Error: runErr.Error(), Retries: retries}
		if err := natsutil.Publish(ctx, e.conn, DLQSubject, dlq); err != nil {
			e.log.ErrorContext(ctx, "executor: dlq publish failed", "job_id", sub.JobID, "error", err)
		}
		if e.metrics.dlqd != nil {
			e.metrics.dlqd.Inc()
		}
		if err := e.jobs.MarkFailed(ctx, sub.JobID, "executor", runErr); err != nil {
			e.log.WarnContext(ctx, "executor: mark failed after exhausted retries failed", "job_id", sub.JobID, "error", err)
		}
		if e.metrics.failed != nil {
			e.metrics.failed.Inc()
		}
		return
	}

	if e.metrics.retried != nil {
		e.metrics.retried.Inc()
	}
	retryMsg := nats.NewMsg(SubmitSubject)
	retryMsg.Data = msg.Data
	retryMsg.Header = nats.Header{}
	retryMsg.Header.Set(RetryHeader, fmt.Sprintf("%d", retries))
	if err := e.conn.PublishMsg(retryMsg); err != nil {
		e.log.ErrorContext(ctx, "executor: retry publish failed", "job_id", sub.JobID, "error", err)
	}
}

// Shutdown unsubscribes every worker and tears down the embedded server.
func (e *Executor) Shutdown(ctx context.Context) error {
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.conn.Close()
	e.server.Shutdown()
	return nil
}
