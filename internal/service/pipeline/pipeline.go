// Package pipeline runs the background triage loop over the mailbox and the
// operations collaborators call around it: load-and-process, last error,
// on-demand processing and the prompt-change reset rules.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/internal/service/stage"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/trace"
	"mailtriage/pkg/util"
)

var (
	ErrMailNotFound  = errors.New("mail not found")
	ErrBackoffActive = errors.New("quota backoff active")
)

// Store is the mailbox access the pipeline needs.
type Store interface {
	ReadAll(ctx context.Context) (*model.Mailbox, error)
	Get(ctx context.Context, id int) (*model.Mail, error)
	Mutate(ctx context.Context, op string, fn func(*model.Mailbox) bool) (bool, error)
}

// PromptStore saves prompt text and reports whether it changed.
type PromptStore interface {
	SetChanged(ctx context.Context, kind model.PromptKind, text string) (bool, error)
}

type Categorizer interface {
	Process(ctx context.Context, m *model.Mail) (string, error)
}

type Extractor interface {
	Process(ctx context.Context, m *model.Mail) ([]model.ActionItem, error)
}

type Drafter interface {
	Process(ctx context.Context, m *model.Mail) (stage.DraftResult, error)
}

// EventPublisher is satisfied by *mq.Publisher.
type EventPublisher interface {
	Publish(routingKey string, payload any) error
}

// Claimer is satisfied by *util.Deduper.
type Claimer interface {
	AcquireOnce(ctx context.Context, handler string, mailID int) bool
	Release(ctx context.Context, handler string, mailID int)
}

// FailureBudget is satisfied by *util.RetryCounter.
type FailureBudget interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Deps wires the pipeline. Events, Claims and Failures are optional.
type Deps struct {
	Store       Store
	Prompts     PromptStore
	Categorizer Categorizer
	Extractor   Extractor
	Drafter     Drafter

	Events   EventPublisher
	Claims   Claimer
	Failures FailureBudget
}

// Options tune the loop. Zero values mean the defaults below.
type Options struct {
	// DataDir holds the error signal file and is swept for stale temp files.
	// Empty disables both.
	DataDir string
	// RescanInterval is the wait between passes. Negative runs a single pass.
	RescanInterval time.Duration
	// Pause between stages of a mail and between mails.
	Pause time.Duration
	// QuotaBackoff is how long the loop stops calling the model after a quota error.
	QuotaBackoff time.Duration
	// BackoffSlice caps each sleep while backing off.
	BackoffSlice time.Duration
	// MaxStageFailures skips a stage for a mail after that many failures in a
	// row. Needs Deps.Failures; 0 disables.
	MaxStageFailures int64
	// StaleTempAge is the minimum age of temp files removed by LoadAndProcess.
	StaleTempAge time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

const (
	DefaultRescanInterval = 30 * time.Second
	DefaultPause          = 200 * time.Millisecond
	DefaultQuotaBackoff   = 60 * time.Second
	DefaultBackoffSlice   = 2 * time.Second
	DefaultStaleTempAge   = time.Minute
)

func (o Options) withDefaults() Options {
	if o.RescanInterval == 0 {
		o.RescanInterval = DefaultRescanInterval
	}
	if o.Pause <= 0 {
		o.Pause = DefaultPause
	}
	if o.QuotaBackoff <= 0 {
		o.QuotaBackoff = DefaultQuotaBackoff
	}
	if o.BackoffSlice <= 0 {
		o.BackoffSlice = DefaultBackoffSlice
	}
	if o.StaleTempAge <= 0 {
		o.StaleTempAge = DefaultStaleTempAge
	}
	if o.Sleep == nil {
		o.Sleep = stage.SleepContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Pipeline is the orchestrator. One background worker runs per Pipeline;
// ProcessOne may run alongside it.
type Pipeline struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	backoff *Backoff
	lastErr *lastErrorSignal

	// draftMu makes "no draft yet" + "create draft" one step in this process.
	draftMu sync.Mutex
	trigger chan struct{}

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	lastScan time.Time
	passes   int64
}

func New(deps Deps, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	p := &Pipeline{
		deps:    deps,
		opts:    opts,
		logger:  log.With(zap.String("component", "pipeline")),
		trigger: make(chan struct{}, 1),
	}
	p.backoff = NewBackoff(opts.QuotaBackoff, opts.Now, func(s BackoffState) {
		metrics.SetBackoffActive(s == StateBackoff)
	})
	p.lastErr = &lastErrorSignal{logger: p.logger}
	if opts.DataDir != "" {
		p.lastErr.path = filepath.Join(opts.DataDir, ErrorSignalFile)
	}
	return p
}

// Start launches the background worker unless one is already alive. It
// reports whether a worker was started.
func (p *Pipeline) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	return true
}

// Running reports whether the background worker is alive.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until the current worker, if any, has exited.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Trigger asks the worker to start the next pass now. Requests made while a
// pass is running collapse into one.
func (p *Pipeline) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	p.logger.Info("Pipeline worker started", zap.Duration("rescan_interval", p.opts.RescanInterval))
	for {
		p.safeScan(ctx)
		if p.opts.RescanInterval < 0 {
			return
		}

		timer := time.NewTimer(p.opts.RescanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Pipeline worker stopped")
			return
		case <-p.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// safeScan keeps a panic or a failed pass from killing the worker.
func (p *Pipeline) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Pipeline pass panicked", zap.Any("panic", r), zap.Stack("stack"))
			p.setLastError(fmt.Sprintf("Background processor failed: %v", r))
			metrics.IncrementScanPass("panic")
		}
	}()

	if err := p.Scan(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("Pipeline pass failed", zap.Error(err))
		p.setLastError("Background processor failed: " + err.Error())
		metrics.IncrementScanPass("error")
		return
	}
	metrics.IncrementScanPass("ok")
}

// Scan runs one pass over the mailbox in document order. Each mail is
// re-read right before it is processed; deleted mails are skipped. While a
// quota backoff is active the pass sleeps in short slices and then starts
// over from the first mail.
func (p *Pipeline) Scan(ctx context.Context) error {
	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	log := logger.WithTrace(ctx, p.logger)

	ids, err := p.snapshotIDs(ctx)
	if err != nil {
		return err
	}
	log.Debug("Pass started", zap.Int("mail_count", len(ids)))

	for idx := 0; idx < len(ids); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if left := p.backoff.Remaining(); left > 0 {
			if err := p.opts.Sleep(ctx, min(left, p.opts.BackoffSlice)); err != nil {
				return err
			}
			if ids, err = p.snapshotIDs(ctx); err != nil {
				return err
			}
			idx = 0
			continue
		}

		id := ids[idx]
		idx++
		fresh, err := p.deps.Store.Get(ctx, id)
		if err != nil {
			log.Warn("Failed to reload mail", zap.Int("mail_id", id), zap.Error(err))
			continue
		}
		if fresh == nil {
			continue
		}
		p.process(ctx, fresh)
		if err := p.opts.Sleep(ctx, p.opts.Pause); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.lastScan = p.opts.Now()
	p.passes++
	p.mu.Unlock()
	log.Debug("Pass completed", zap.Int("mail_count", len(ids)))
	return nil
}

func (p *Pipeline) snapshotIDs(ctx context.Context) ([]int, error) {
	box, err := p.deps.Store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(box.Emails))
	for i, m := range box.Emails {
		ids[i] = m.ID
	}
	return ids, nil
}

// ProcessOne runs the stages for a single mail now, outside the scan.
func (p *Pipeline) ProcessOne(ctx context.Context, id int) (Report, error) {
	ctx = trace.Ensure(ctx)
	if left := p.backoff.Remaining(); left > 0 {
		return Report{MailID: id}, fmt.Errorf("%w for another %s", ErrBackoffActive, left.Round(time.Second))
	}
	m, err := p.deps.Store.Get(ctx, id)
	if err != nil {
		return Report{MailID: id}, err
	}
	if m == nil {
		return Report{MailID: id}, fmt.Errorf("%w: %d", ErrMailNotFound, id)
	}
	rep := p.process(ctx, m)
	return rep, rep.Err()
}

// Report says what one processing round did to a mail.
type Report struct {
	MailID      int
	Category    string
	Extracted   bool
	ActionItems []model.ActionItem
	Draft       *stage.DraftResult
	Errors      []error
}

// Err joins the stage errors, nil when every stage that ran succeeded.
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

// process decides the stages for m: drafts only get action extraction; other
// mails are categorized when unlabelled, extracted when no items are known,
// and drafted when still pending. A quota failure ends the round.
func (p *Pipeline) process(ctx context.Context, m *model.Mail) Report {
	rep := Report{MailID: m.ID}
	if p.backoff.Remaining() > 0 {
		return rep
	}

	if m.IsDraft() {
		p.extract(ctx, m, &rep)
		return rep
	}

	if m.Category == "" {
		if !p.categorize(ctx, m, &rep) {
			return rep
		}
	}
	if p.opts.Sleep(ctx, p.opts.Pause) != nil {
		return rep
	}

	if !p.extract(ctx, m, &rep) {
		return rep
	}
	if p.opts.Sleep(ctx, p.opts.Pause) != nil {
		return rep
	}

	p.draft(ctx, m, &rep)
	return rep
}

func (p *Pipeline) categorize(ctx context.Context, m *model.Mail, rep *Report) bool {
	return p.runStage(ctx, stage.NameCategorize, m.ID, rep, func() error {
		label, err := p.deps.Categorizer.Process(ctx, m)
		if err != nil {
			return err
		}
		m.Category = label
		rep.Category = label
		p.publish(ctx, mq.RoutingMailCategorized, m.ID, map[string]any{"category": label})
		return nil
	})
}

func needsExtraction(m *model.Mail) bool {
	return !m.HasActionItems() && !m.ActionsExtracted
}

func (p *Pipeline) extract(ctx context.Context, m *model.Mail, rep *Report) bool {
	if !needsExtraction(m) {
		return true
	}
	return p.runStage(ctx, stage.NameExtract, m.ID, rep, func() error {
		items, err := p.deps.Extractor.Process(ctx, m)
		if err != nil {
			return err
		}
		m.ActionItems = items
		m.ActionsExtracted = true
		rep.ActionItems = items
		rep.Extracted = true
		p.publish(ctx, mq.RoutingActionsExtracted, m.ID, map[string]any{"count": len(items)})
		return nil
	})
}

// draft checks for an existing draft and creates one while holding draftMu,
// re-reading the mailbox inside the lock. The store's conditional insert
// covers writers in other processes.
func (p *Pipeline) draft(ctx context.Context, m *model.Mail, rep *Report) {
	if m.IsDraft() || m.Draftable != model.DraftablePending {
		return
	}
	log := logger.WithTrace(ctx, p.logger).With(zap.Int("mail_id", m.ID))

	if p.deps.Claims != nil {
		if !p.deps.Claims.AcquireOnce(ctx, stage.NameDraft, m.ID) {
			return
		}
		defer p.deps.Claims.Release(ctx, stage.NameDraft, m.ID)
	}

	p.draftMu.Lock()
	defer p.draftMu.Unlock()

	box, err := p.deps.Store.ReadAll(ctx)
	if err != nil {
		log.Warn("Failed to read mailbox before drafting", zap.Error(err))
		rep.Errors = append(rep.Errors, fmt.Errorf("%s mail %d: %w", stage.NameDraft, m.ID, err))
		return
	}
	i := box.Find(m.ID)
	if i < 0 {
		return
	}
	fresh := box.Emails[i]
	if fresh.IsDraft() || fresh.Draftable != model.DraftablePending || box.HasDraftFor(m.ID) {
		return
	}

	p.runStage(ctx, stage.NameDraft, m.ID, rep, func() error {
		res, err := p.deps.Drafter.Process(ctx, &fresh)
		if err != nil {
			return err
		}
		rep.Draft = &res
		if res.Outcome == stage.DraftCreated {
			metrics.IncrementDraftCreated()
			p.publish(ctx, mq.RoutingDraftCreated, m.ID, map[string]any{"draft_id": res.DraftID})
		}
		if res.Outcome != stage.DraftSkipped {
			p.recovered(ctx)
		}
		return nil
	})
}

// runStage applies the failure budget, metrics and quota handling around one
// stage call. It returns false when the rest of the mail should wait.
func (p *Pipeline) runStage(ctx context.Context, name string, id int, rep *Report, fn func() error) bool {
	log := logger.WithTrace(ctx, p.logger).With(zap.String("stage", name), zap.Int("mail_id", id))

	if !p.withinBudget(ctx, name, id) {
		log.Info("Stage skipped, failure budget spent")
		metrics.IncrementStageProcessed(name, "skipped")
		return true
	}

	err := fn()
	if err == nil {
		metrics.IncrementStageProcessed(name, "success")
		p.resetBudget(ctx, name, id)
		return true
	}

	rep.Errors = append(rep.Errors, fmt.Errorf("%s mail %d: %w", name, id, err))
	if ctx.Err() != nil {
		return false
	}
	retryable, errorType := util.ClassifyError(err)
	log.Error("Stage failed",
		zap.String("error_type", errorType),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
	metrics.IncrementStageProcessed(name, "failure")
	p.spendBudget(ctx, name, id)

	if isQuotaError(err) {
		p.enterBackoff(ctx, err)
		return false
	}
	return true
}

// isQuotaError limits the keyword match to gateway failures that are not
// plain network errors, whose text may say "deadline exceeded".
func isQuotaError(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeQuota:
		return true
	case errs.CodeNetwork:
		return false
	}
	return errors.Is(err, errs.ErrGateway) && util.IsQuotaError(err)
}

func (p *Pipeline) enterBackoff(ctx context.Context, err error) {
	until := p.backoff.Trip()
	p.setLastError(err.Error())
	logger.WithTrace(ctx, p.logger).Warn("Model quota exhausted, backing off",
		zap.Time("until", until),
		zap.Duration("backoff", p.opts.QuotaBackoff),
		zap.Error(err),
	)
	p.publish(ctx, mq.RoutingPipelineBackoff, 0, map[string]any{
		"until":   until.UTC(),
		"message": err.Error(),
	})
}

// recovered is called after the model answered a draft request.
func (p *Pipeline) recovered(ctx context.Context) {
	p.backoff.Reset()
	if err := p.ClearLastError(); err != nil {
		logger.WithTrace(ctx, p.logger).Warn("Failed to clear last error", zap.Error(err))
	}
}

func (p *Pipeline) withinBudget(ctx context.Context, name string, id int) bool {
	if p.deps.Failures == nil || p.opts.MaxStageFailures <= 0 {
		return true
	}
	n, err := p.deps.Failures.Get(ctx, util.FormatRetryKey(name, id))
	if err != nil {
		return true
	}
	return util.ShouldRetry(n, p.opts.MaxStageFailures)
}

func (p *Pipeline) spendBudget(ctx context.Context, name string, id int) {
	if p.deps.Failures == nil || p.opts.MaxStageFailures <= 0 {
		return
	}
	if _, err := p.deps.Failures.IncrementAndGet(ctx, util.FormatRetryKey(name, id)); err != nil {
		p.logger.Debug("Failure budget unavailable", zap.Error(err))
	}
}

func (p *Pipeline) resetBudget(ctx context.Context, name string, id int) {
	if p.deps.Failures == nil || p.opts.MaxStageFailures <= 0 {
		return
	}
	_ = p.deps.Failures.Reset(ctx, util.FormatRetryKey(name, id))
}

func (p *Pipeline) publish(ctx context.Context, routingKey string, mailID int, data any) {
	if p.deps.Events == nil {
		return
	}
	if err := p.deps.Events.Publish(routingKey, mq.NewEvent(routingKey, mailID, data)); err != nil {
		logger.WithTrace(ctx, p.logger).Warn("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

// LastError returns the latest recorded error, including one written by
// another process, or nil.
func (p *Pipeline) LastError() *LastError {
	return p.lastErr.get()
}

// ClearLastError forgets the last error and removes the signal file.
func (p *Pipeline) ClearLastError() error {
	return p.lastErr.clear()
}

func (p *Pipeline) setLastError(msg string) {
	p.lastErr.set(newLastError(msg, p.opts.Now()))
}

// Status is a point-in-time view of the worker for the status endpoint.
type Status struct {
	Running      bool       `json:"running"`
	Backoff      string     `json:"backoff"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	LastError    *LastError `json:"last_error,omitempty"`
	LastScan     *time.Time `json:"last_scan,omitempty"`
	Passes       int64      `json:"passes"`
}

func (p *Pipeline) Status() Status {
	st := Status{
		Backoff:   p.backoff.State().String(),
		LastError: p.LastError(),
	}
	if until := p.backoff.Until(); !until.IsZero() {
		st.BackoffUntil = &until
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st.Running = p.running
	st.Passes = p.passes
	if !p.lastScan.IsZero() {
		last := p.lastScan
		st.LastScan = &last
	}
	return st
}
