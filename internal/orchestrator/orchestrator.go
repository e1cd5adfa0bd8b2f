// Package orchestrator runs the full dispatch cycle: classify the
// request, execute the routed pipeline inside its priority budget,
// synthesize the reply, and persist the exchange. Dispatches for the
// same session never overlap.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/dispatch/internal/bus"
	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/internal/logging"
	"github.com/normanking/dispatch/internal/memory"
	"github.com/normanking/dispatch/internal/pipeline"
	"github.com/normanking/dispatch/internal/router"
	"github.com/normanking/dispatch/pkg/types"
)

// ErrEmptyRequest is returned for a dispatch with no text and no
// attachments.
var ErrEmptyRequest = errors.New("empty request")

// ErrBudgetExhausted is returned when the overall deadline passed with no
// usable output at all. Every lesser failure still produces a reply.
var ErrBudgetExhausted = errors.New("dispatch budget exhausted with no output")

const greetingReply = "Hey! What can I help you with?"

// Reply is the outcome of one dispatch as returned to the transport.
type Reply struct {
	RequestID string          `json:"request_id"`
	Text      string          `json:"text"`
	Category  types.Category  `json:"category"`
	Priority  types.Priority  `json:"priority"`
	ModelUsed string          `json:"model_used,omitempty"`
	Latency   time.Duration   `json:"latency"`
	Degraded  bool            `json:"degraded,omitempty"`
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
}

// Deps are the collaborators an Orchestrator is wired from.
type Deps struct {
	Router    *router.Router
	Pipelines *pipeline.Registry
	Store     *memory.Store
	Bus       *bus.Bus
	Config    config.DispatchConfig
}

// Orchestrator owns the dispatch cycle and per-session serialization.
type Orchestrator struct {
	router    *router.Router
	pipelines *pipeline.Registry
	synth     *pipeline.Synthesizer
	store     *memory.Store
	events    *bus.Bus
	cfg       config.DispatchConfig
	locks     *lockArena
	log       zerolog.Logger
}

// New wires an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		router:    deps.Router,
		pipelines: deps.Pipelines,
		synth:     pipeline.NewSynthesizer(),
		store:     deps.Store,
		events:    deps.Bus,
		cfg:       deps.Config,
		locks:     newLockArena(),
		log:       logging.Component("orchestrator"),
	}
}

// Submit runs one dispatch for the session. It blocks while an earlier
// dispatch for the same session is still in flight, up to the configured
// session wait; past that it fails fast with ErrSessionBusy.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, text string, attachments []types.Attachment) (*Reply, error) {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, ErrEmptyRequest
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id required")
	}

	if err := o.locks.acquire(sessionID, o.cfg.MaxSessionWait); err != nil {
		return nil, err
	}
	defer o.locks.release(sessionID)

	req := &types.Request{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Text:        text,
		Attachments: attachments,
		ReceivedAt:  time.Now().UTC(),
	}
	return o.dispatch(ctx, req)
}

func (o *Orchestrator) dispatch(ctx context.Context, req *types.Request) (*Reply, error) {
	start := time.Now()
	o.publishRequest(bus.EventDispatchReceived, req, nil)

	session := o.loadSession(ctx, req)
	decision := o.router.Route(ctx, req, session)
	route := decision.Route
	o.publishClassified(req, decision)

	if decision.Greeting {
		return o.finishGreeting(ctx, req, start)
	}

	result := o.execute(ctx, route, req, session)
	replyText := o.synth.Format(result)

	if result.ErrorKind == types.ErrorTimeout && strings.TrimSpace(result.Text) == "" && !result.Success {
		// The caller gets an error, but the session still records the
		// exchange so later turns see what was asked and that it timed
		// out. Best effort: a write failure here is logged, not fatal.
		o.persistExchange(ctx, req, route.Category, replyText)
		o.publishOutcome(req, route, result, start)
		return nil, ErrBudgetExhausted
	}

	o.persistExchange(ctx, req, route.Category, replyText)
	o.publishOutcome(req, route, result, start)

	return &Reply{
		RequestID: req.ID,
		Text:      replyText,
		Category:  route.Category,
		Priority:  route.Priority,
		ModelUsed: result.ModelUsed,
		Latency:   time.Since(start),
		Degraded:  !result.Success,
		ErrorKind: result.ErrorKind,
	}, nil
}

// execute runs the routed pipeline under the priority's overall budget.
func (o *Orchestrator) execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	budget := o.cfg.NormalBudget
	if route.Priority == types.PriorityUrgent {
		budget = o.cfg.UrgentBudget
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if budget > 0 {
		execCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	p := o.pipelines.ForCategory(route.Category)
	o.publishPipeline(bus.EventPipelineStart, req, route, nil)

	result := p.Execute(execCtx, route, req, session)
	if result == nil {
		result = types.Failure(route.Category, types.ErrorInvalidOutput, 0)
	}

	// A budget expiry outranks whatever kind the pipeline reported.
	if !result.Success && execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		result.ErrorKind = types.ErrorTimeout
	}

	if result.Success {
		o.publishPipeline(bus.EventPipelineComplete, req, route, result)
	} else {
		o.publishPipeline(bus.EventPipelineError, req, route, result)
	}
	return result
}

// loadSession fetches or creates the session. A store read failure is
// logged and dispatch continues with an empty session.
func (o *Orchestrator) loadSession(ctx context.Context, req *types.Request) *types.Session {
	if o.store == nil {
		return &types.Session{ID: req.SessionID}
	}
	session, err := o.store.GetOrCreateSession(ctx, req.SessionID)
	if err != nil {
		o.log.Error().
			Str("session", req.SessionID).
			Err(err).
			Msg("session load failed, continuing without history")
		o.publishMemoryError(req, err)
		return &types.Session{ID: req.SessionID}
	}
	return session
}

// persistExchange appends the user and assistant turns atomically. A
// write failure is logged and published; the reply still goes out.
func (o *Orchestrator) persistExchange(ctx context.Context, req *types.Request, category types.Category, replyText string) {
	if o.store == nil {
		return
	}

	now := time.Now().UTC()
	turns := []types.Turn{
		{Role: types.RoleUser, Text: req.Text, Category: category, Timestamp: now},
		{Role: types.RoleAssistant, Text: replyText, Category: category, Timestamp: now},
	}
	if err := o.store.AppendTurns(ctx, req.SessionID, turns, category); err != nil {
		o.log.Error().
			Str("session", req.SessionID).
			Err(err).
			Msg("failed to persist exchange")
		o.publishMemoryError(req, err)
		return
	}

	if o.events != nil {
		event := bus.NewEvent(bus.EventMemoryWrite)
		event.RequestID = req.ID
		event.SessionID = req.SessionID
		event.Category = category.String()
		_ = o.events.Publish(event)
	}
}

func (o *Orchestrator) finishGreeting(ctx context.Context, req *types.Request, start time.Time) (*Reply, error) {
	o.persistExchange(ctx, req, types.CategoryGeneric, greetingReply)

	result := &types.PipelineResult{
		Text:     greetingReply,
		Category: types.CategoryGeneric,
		Success:  true,
	}
	o.publishOutcome(req, types.Route{Category: types.CategoryGeneric, Priority: types.PriorityNormal}, result, start)

	return &Reply{
		RequestID: req.ID,
		Text:      greetingReply,
		Category:  types.CategoryGeneric,
		Priority:  types.PriorityNormal,
		Latency:   time.Since(start),
	}, nil
}

// SessionsInFlight reports how many sessions currently hold or await a
// dispatch lock.
func (o *Orchestrator) SessionsInFlight() int {
	return o.locks.size()
}

func (o *Orchestrator) publishRequest(eventType bus.EventType, req *types.Request, err error) {
	if o.events == nil {
		return
	}
	event := bus.NewEvent(eventType)
	event.RequestID = req.ID
	event.SessionID = req.SessionID
	if err != nil {
		event.Error = err.Error()
	}
	_ = o.events.Publish(event)
}

func (o *Orchestrator) publishClassified(req *types.Request, decision *router.Decision) {
	if o.events == nil {
		return
	}
	event := bus.NewEvent(bus.EventClassified)
	event.RequestID = req.ID
	event.SessionID = req.SessionID
	event.Category = decision.Route.Category.String()
	event.Priority = string(decision.Route.Priority)
	event.Confidence = decision.Route.Confidence
	event.DurationMs = decision.Duration.Milliseconds()
	_ = o.events.Publish(event)
}

func (o *Orchestrator) publishPipeline(eventType bus.EventType, req *types.Request, route types.Route, result *types.PipelineResult) {
	if o.events == nil {
		return
	}
	event := bus.NewEvent(eventType)
	event.RequestID = req.ID
	event.SessionID = req.SessionID
	event.Category = route.Category.String()
	event.Priority = string(route.Priority)
	if result != nil {
		event.Model = result.ModelUsed
		event.DurationMs = result.Latency.Milliseconds()
		event.ErrorKind = string(result.ErrorKind)
	}
	_ = o.events.Publish(event)
}

func (o *Orchestrator) publishMemoryError(req *types.Request, err error) {
	if o.events == nil {
		return
	}
	event := bus.NewEvent(bus.EventMemoryError)
	event.RequestID = req.ID
	event.SessionID = req.SessionID
	event.Error = err.Error()
	event.ErrorKind = string(types.ErrorMemoryStoreFailure)
	_ = o.events.Publish(event)
}

func (o *Orchestrator) publishOutcome(req *types.Request, route types.Route, result *types.PipelineResult, start time.Time) {
	if o.events == nil {
		return
	}
	eventType := bus.EventDispatchComplete
	if !result.Success {
		eventType = bus.EventDispatchFailed
	}
	event := bus.NewEvent(eventType)
	event.RequestID = req.ID
	event.SessionID = req.SessionID
	event.Category = route.Category.String()
	event.Priority = string(route.Priority)
	event.Model = result.ModelUsed
	event.DurationMs = time.Since(start).Milliseconds()
	event.ErrorKind = string(result.ErrorKind)
	_ = o.events.Publish(event)
}
