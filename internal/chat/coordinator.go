// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/reply"
)

// =============================================================================
// STATES AND RESULTS
// =============================================================================

// State is the lifecycle state of one request.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Interruption tells why a degraded reply was cut short.
type Interruption int

const (
	InterruptNone Interruption = iota
	InterruptConnection
	InterruptUser
)

// Annotations appended to the content of a degraded reply.
const (
	AnnotationConnection = "[interrupted: connection problem]"
	AnnotationUser       = "[interrupted: user request]"
)

// Annotation returns the marker text for the interruption kind.
func (i Interruption) Annotation() string {
	switch i {
	case InterruptConnection:
		return AnnotationConnection
	case InterruptUser:
		return AnnotationUser
	}
	return ""
}

// Result is the terminal outcome of a request.
//
// Message is set for Completed and for Failed/Cancelled when fragments had
// arrived (a degraded reply). Err is the failure for Failed and the
// cancellation cause for Cancelled.
type Result struct {
	JobID        uint64
	Key          string
	State        State
	Message      *model.Message
	Interruption Interruption
	Err          error
	Placement    Placement
	Fragments    int
}

// Observer receives a job's events. Any field may be nil.
type Observer struct {
	// OnFragment receives each fragment while streaming, for live preview.
	OnFragment func(fragment string)

	// OnResult receives the terminal result exactly once.
	OnResult func(Result)

	// OnVerdict receives the verification verdict, only while the reply is
	// still the latest assistant message of the conversation.
	OnVerdict func(model.VerificationResult)
}

// SendOptions configure one request.
type SendOptions struct {
	Placement        Placement
	Observer         Observer
	SkipVerification bool
}

// Verifier judges a completed reply. A nil verdict with a nil error means
// the judge had nothing to say.
type Verifier interface {
	Verify(ctx context.Context, conv *model.Conversation, candidate model.Message) (*model.VerificationResult, error)
}

// =============================================================================
// JOB
// =============================================================================

// Job is one in-flight request.
type Job struct {
	id     uint64
	key    string
	ctx    context.Context
	cancel context.CancelCauseFunc
	state  atomic.Int32

	// aborted is set by user cancellation or supersede, never by normal
	// completion, so late deliveries can be told apart.
	aborted atomic.Bool

	done    chan struct{}
	settled chan struct{}
	result  Result
	verdict *model.VerificationResult
}

// ID returns the process-unique job number.
func (j *Job) ID() uint64 { return j.id }

// Key returns the conversation key the job belongs to.
func (j *Job) Key() string { return j.key }

// State returns the current state.
func (j *Job) State() State { return State(j.state.Load()) }

// Done is closed once the terminal result is known.
func (j *Job) Done() <-chan struct{} { return j.done }

// Settled is closed once verification (if any) has finished too.
func (j *Job) Settled() <-chan struct{} { return j.settled }

// Cancel stops the job as a user cancellation.
func (j *Job) Cancel() { j.abort(ErrCancelled) }

func (j *Job) abort(cause error) {
	j.aborted.Store(true)
	j.cancel(cause)
}

// Result returns the terminal result. Only valid after Done is closed.
func (j *Job) Result() Result {
	<-j.done
	return j.result
}

// Wait blocks until the terminal result is known or ctx ends.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Verdict waits for verification to finish and returns the delivered
// verdict, or nil when there was none or it was discarded.
func (j *Job) Verdict(ctx context.Context) (*model.VerificationResult, error) {
	select {
	case <-j.settled:
		return j.verdict, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator owns at most one in-flight request per conversation key.
// Starting a request cancels the previous one for the same key; requests for
// different keys run independently.
type Coordinator struct {
	transport       cloud.Streamer
	verifier        Verifier
	markers         reply.Markers
	allowSystemOnly bool
	dispatch        func(func())
	logger          *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	latest map[string]int64 // key -> ID of the latest completed reply

	seq atomic.Uint64
	wg  sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithVerifier enables the verification pass after every completed reply.
func WithVerifier(v Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

// WithMarkers sets the reasoning span markers.
func WithMarkers(m reply.Markers) Option {
	return func(c *Coordinator) { c.markers = m }
}

// WithAllowSystemOnly permits sending a conversation that has a system
// prompt but no user message.
func WithAllowSystemOnly(allow bool) Option {
	return func(c *Coordinator) { c.allowSystemOnly = allow }
}

// WithDispatch routes every observer callback through fn, e.g. onto a UI
// event loop. fn must run callbacks in the order it receives them.
func WithDispatch(fn func(func())) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.dispatch = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrDiscard(l) }
}

// NewCoordinator creates a coordinator that opens streams through transport.
func NewCoordinator(transport cloud.Streamer, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: transport,
		markers:   reply.DefaultMarkers,
		dispatch:  func(fn func()) { fn() },
		logger:    logging.Discard(),
		jobs:      make(map[string]*Job),
		latest:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerificationEnabled reports whether a verifier is configured.
func (c *Coordinator) VerificationEnabled() bool {
	return c.verifier != nil
}

// Send validates conv, cancels any request still running for conv.Key and
// starts a new one in the background. A *ValidationError is returned before
// any network I/O. ctx bounds the whole job including verification.
func (c *Coordinator) Send(ctx context.Context, conv *model.Conversation, opts SendOptions) (*Job, error) {
	msgs, err := BuildOutbound(conv, c.allowSystemOnly)
	if err != nil {
		return nil, err
	}
	modelName := conv.ModelName
	if modelName == "" {
		modelName = model.DefaultModelName
	}
	req := cloud.NewChatRequest(modelName, msgs, conv.Settings)
	snapshot := conv.Clone()

	jobCtx, cancel := context.WithCancelCause(ctx)
	job := &Job{
		id:      c.seq.Add(1),
		key:     conv.Key,
		ctx:     jobCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}

	c.mu.Lock()
	if prev := c.jobs[job.key]; prev != nil {
		prev.abort(ErrSuperseded)
		c.logger.Debug("request superseded", "conversation", job.key, "job", prev.id)
	}
	c.jobs[job.key] = job
	delete(c.latest, job.key)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(job, snapshot, req, opts)
	return job, nil
}

// Cancel stops the active request of a conversation as a user
// cancellation. It reports whether there was one.
func (c *Coordinator) Cancel(key string) bool {
	c.mu.Lock()
	job := c.jobs[key]
	c.mu.Unlock()
	if job == nil {
		return false
	}
	job.abort(ErrCancelled)
	return true
}

// Active returns the running job for key, if any.
func (c *Coordinator) Active(key string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[key]
	return job, ok
}

// State returns the state of the active job for key, or StateIdle.
func (c *Coordinator) State(key string) State {
	if job, ok := c.Active(key); ok {
		return job.State()
	}
	return StateIdle
}

// IsLatest reports whether id is the newest completed reply for key.
func (c *Coordinator) IsLatest(key string, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[key] == id
}

// Forget drops verdict correlation for key, e.g. after the user edited the
// conversation outside the coordinator.
func (c *Coordinator) Forget(key string) {
	c.mu.Lock()
	delete(c.latest, key)
	c.mu.Unlock()
}

// Shutdown cancels every job and waits for their goroutines to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, job := range c.jobs {
		job.abort(ErrCancelled)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// WORKER
// =============================================================================

func (c *Coordinator) run(job *Job, conv *model.Conversation, req cloud.ChatRequest, opts SendOptions) {
	defer c.wg.Done()
	defer close(job.settled)
	defer c.release(job)

	log := c.logger.With("conversation", job.key, "job", job.id)
	log.Debug("request started", "model", req.Model, "messages", len(req.Messages))
	job.state.Store(int32(StateStreaming))

	asm := reply.NewAssembler(c.markers)
	dec, err := c.transport.OpenStream(job.ctx, req)
	if err == nil {
		for dec.Next() {
			frag := dec.Fragment()
			asm.Add(frag)
			c.emitFragment(job, opts.Observer, frag)
		}
		err = dec.Err()
		dec.Close()
	}

	res := c.conclude(job, asm, err, opts.Placement)
	job.result = res
	job.state.Store(int32(res.State))
	switch res.State {
	case StateCompleted:
		log.Info("request completed", "fragments", res.Fragments)
	case StateCancelled:
		log.Info("request cancelled", "fragments", res.Fragments, "cause", res.Err)
	default:
		log.Warn("request failed", "fragments", res.Fragments, "error", res.Err)
	}

	if fn := opts.Observer.OnResult; fn != nil {
		c.dispatch(func() { fn(res) })
	}
	close(job.done)

	if res.State == StateCompleted && c.verifier != nil && !opts.SkipVerification {
		c.verify(job, conv, res, opts.Observer, log)
	}
}

// conclude classifies the end of a stream. It runs under c.mu so a
// concurrent Send either sees this job finished or has already cancelled it;
// a superseded job therefore never reports Completed.
func (c *Coordinator) conclude(job *Job, asm *reply.Assembler, err error, placement Placement) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{
		JobID:     job.id,
		Key:       job.key,
		Placement: placement,
		Fragments: asm.Count(),
	}
	cancelled := job.ctx.Err() != nil
	cause := context.Cause(job.ctx)

	switch {
	case cancelled && !errors.Is(cause, context.DeadlineExceeded):
		res.State = StateCancelled
		res.Interruption = InterruptUser
		res.Err = cause
	case err != nil || cancelled:
		if err == nil {
			err = cause
		}
		res.State = StateFailed
		res.Interruption = InterruptConnection
		res.Err = err
	default:
		parts := asm.Finish()
		// A reply that is all reasoning has nothing to show or verify.
		if strings.TrimSpace(parts.Content) == "" {
			res.State = StateFailed
			res.Err = ErrEmptyReply
			return res
		}
		msg := model.NewMessage(model.RoleAssistant, parts.Content)
		msg.Reasoning = parts.Reasoning
		res.State = StateCompleted
		res.Message = &msg
		c.latest[job.key] = msg.ID
		return res
	}

	if res.Fragments > 0 {
		res.Message = degrade(asm.Finish(), res.Interruption)
	}
	return res
}

// degrade builds the best-effort reply from partial text.
func degrade(parts reply.Parts, why Interruption) *model.Message {
	content := why.Annotation()
	if parts.Content != "" {
		content = parts.Content + "\n\n" + content
	}
	msg := model.NewMessage(model.RoleAssistant, content)
	msg.Reasoning = parts.Reasoning
	return &msg
}

func (c *Coordinator) emitFragment(job *Job, obs Observer, frag string) {
	if obs.OnFragment == nil || job.ctx.Err() != nil {
		return
	}
	c.dispatch(func() {
		// Late fragments of a cancelled job are dropped at delivery time too.
		if !job.aborted.Load() {
			obs.OnFragment(frag)
		}
	})
}

func (c *Coordinator) verify(job *Job, conv *model.Conversation, res Result, obs Observer, log *slog.Logger) {
	candidate := *res.Message
	judged := conv.Clone()
	judged.Messages = res.Placement.Apply(judged.Messages, candidate)

	verdict, err := c.verifier.Verify(job.ctx, judged, candidate)
	if err != nil {
		log.Warn("verification degraded to no verdict", "error", err)
		return
	}
	if verdict == nil {
		return
	}
	verdict.MessageID = candidate.ID

	if !c.stillLatest(job, candidate.ID) {
		log.Debug("discarding stale verdict", "message", candidate.ID)
		return
	}
	job.verdict = verdict
	if fn := obs.OnVerdict; fn != nil {
		v := *verdict
		c.dispatch(func() {
			if !job.aborted.Load() && c.IsLatest(job.key, v.MessageID) {
				fn(v)
			}
		})
	}
}

func (c *Coordinator) stillLatest(job *Job, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return job.ctx.Err() == nil && c.jobs[job.key] == job && c.latest[job.key] == id
}

// release removes the job from the active set and frees its context.
func (c *Coordinator) release(job *Job) {
	c.mu.Lock()
	if c.jobs[job.key] == job {
		delete(c.jobs, job.key)
	}
	c.mu.Unlock()
	job.cancel(context.Canceled)
}
