package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/orchestrator"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

var (
	// ErrNoEditor is returned when a session must create its constellation
	// but no editor can.
	ErrNoEditor = errors.New("no editor configured to create constellations")

	// ErrTooManyRestarts stops sessions whose graph keeps growing.
	ErrTooManyRestarts = errors.New("too many orchestration restarts")
)

// Editor creates constellations and changes them as tasks finish.
type Editor interface {
	Create(ctx context.Context, request string) (*constellation.Constellation, error)
	Process(ctx context.Context, c *constellation.Constellation, ev ports.Event) error
}

// ContinueFunc decides whether a complete constellation should keep going.
// When it returns true the session waits for the next event instead of
// finishing.
type ContinueFunc func(ctx context.Context, c *constellation.Constellation) bool

// Orchestrator runs a constellation until its tasks are terminal.
type Orchestrator interface {
	Orchestrate(ctx context.Context, c *constellation.Constellation, opts orchestrator.Options) (*orchestrator.Result, error)
}

// StaticEditor never changes a constellation and cannot create one.
type StaticEditor struct{}

func (StaticEditor) Create(context.Context, string) (*constellation.Constellation, error) {
	return nil, ErrNoEditor
}

func (StaticEditor) Process(context.Context, *constellation.Constellation, ports.Event) error {
	return nil
}

// Controller runs sessions: it obtains a constellation, keeps an
// orchestration running while the graph has work, feeds task outcomes to the
// editor and decides when the session is over.
type Controller struct {
	orch           Orchestrator
	bus            ports.EventBus
	editor         Editor
	shouldContinue ContinueFunc
	opts           orchestrator.Options
	maxRestarts    int
	settle         time.Duration
	onTransition   func(*constellation.Constellation, Transition)
	logger         *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithEditor sets the editor. The default is StaticEditor.
func WithEditor(e Editor) Option {
	return func(ctl *Controller) { ctl.editor = e }
}

// WithContinue sets the continue hook. The default never continues.
func WithContinue(fn ContinueFunc) Option {
	return func(ctl *Controller) { ctl.shouldContinue = fn }
}

// WithOrchestrationOptions passes opts to every orchestration run.
func WithOrchestrationOptions(opts orchestrator.Options) Option {
	return func(ctl *Controller) { ctl.opts = opts }
}

// WithMaxRestarts bounds how often a session relaunches orchestration.
func WithMaxRestarts(n int) Option {
	return func(ctl *Controller) { ctl.maxRestarts = n }
}

// WithSettle sets how long to wait for the final event of a run after the
// orchestrator returned.
func WithSettle(d time.Duration) Option {
	return func(ctl *Controller) { ctl.settle = d }
}

// WithTransitionHook calls fn after every transition. The constellation is
// nil until the editor created it.
func WithTransitionHook(fn func(*constellation.Constellation, Transition)) Option {
	return func(ctl *Controller) { ctl.onTransition = fn }
}

// New creates a Controller.
func New(orch Orchestrator, bus ports.EventBus, logger *zap.Logger, opts ...Option) *Controller {
	ctl := &Controller{
		orch:           orch,
		bus:            bus,
		editor:         StaticEditor{},
		shouldContinue: func(context.Context, *constellation.Constellation) bool { return false },
		maxRestarts:    10,
		settle:         2 * time.Second,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// Outcome is the end of a session.
type Outcome struct {
	State         State
	Constellation *constellation.Constellation
	// Result of the last orchestration run.
	Result      *orchestrator.Result
	Err         error
	Restarts    int
	Transitions []Transition
}

// Run asks the editor for a constellation serving request and drives it.
func (ctl *Controller) Run(ctx context.Context, request string) (*Outcome, error) {
	return ctl.run(ctx, nil, request)
}

// Drive drives an existing constellation.
func (ctl *Controller) Drive(ctx context.Context, c *constellation.Constellation) (*Outcome, error) {
	if c == nil {
		return nil, errors.New("nil constellation")
	}
	return ctl.run(ctx, c, "")
}

func (ctl *Controller) run(ctx context.Context, c *constellation.Constellation, request string) (*Outcome, error) {
	s := &session{
		ctl:     ctl,
		c:       c,
		request: request,
		state:   StateStart,
		queue:   make(chan ports.Event, 64),
		stop:    make(chan struct{}),
		logger:  ctl.logger,
	}
	if c != nil {
		s.logger = ctl.logger.With(zap.String("constellation_id", c.ID()))
	}
	defer s.close()

	for !s.state.IsTerminal() {
		var in Input
		switch s.state {
		case StateStart:
			in = s.start(ctx)
		case StateMonitor:
			in = s.monitor(ctx)
		}
		s.step(in)
	}
	s.shutdown()

	out := &Outcome{
		State:         s.state,
		Constellation: s.c,
		Restarts:      s.restarts,
		Transitions:   s.transitions,
	}
	if s.orch != nil {
		out.Result = s.orch.res
	}
	if s.state == StateFail {
		out.Err = s.err
		if out.Err == nil {
			out.Err = errors.New("session failed")
		}
	}

	if s.c != nil {
		if f, ok := ctl.editor.(interface{ Forget(string) }); ok {
			f.Forget(s.c.ID())
		}
	}
	s.logger.Info("session finished",
		zap.String("state", string(out.State)),
		zap.Int("restarts", out.Restarts),
		zap.Error(out.Err))
	return out, out.Err
}

// orchestration is one Orchestrate call running in the background.
type orchestration struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    *orchestrator.Result
	err    error
}

type session struct {
	ctl     *Controller
	c       *constellation.Constellation
	request string
	state   State

	queue       chan ports.Event
	stop        chan struct{}
	unsubscribe func()

	orch     *orchestration
	launches int
	restarts int
	// exited is set once the current orchestration returned; settled once
	// its final constellation event was seen, so every task event of the
	// run has been handled.
	exited  bool
	settled bool
	settleC <-chan time.Time

	err         error
	transitions []Transition
	logger      *zap.Logger
}

func (s *session) step(in Input) {
	from := s.state
	to, err := Next(from, in)
	if err != nil {
		s.logger.Error("invalid controller transition", zap.Error(err))
		s.err = err
		to = StateFail
	}
	t := Transition{From: from, Input: in, To: to, At: time.Now().UTC()}
	s.state = to
	s.transitions = append(s.transitions, t)

	if to != from {
		s.logger.Debug("controller transition",
			zap.String("from", string(from)),
			zap.String("input", string(in)),
			zap.String("to", string(to)))
	}
	if s.ctl.onTransition != nil {
		s.ctl.onTransition(s.c, t)
	}
}

// start obtains the constellation and launches an orchestration run.
func (s *session) start(ctx context.Context) Input {
	if ctx.Err() != nil {
		s.err = ctx.Err()
		return InputCancelled
	}
	if s.c == nil {
		c, err := s.ctl.editor.Create(ctx, s.request)
		if err != nil {
			s.err = fmt.Errorf("failed to create constellation: %w", err)
			return InputStartFailed
		}
		s.c = c
		s.logger = s.ctl.logger.With(zap.String("constellation_id", c.ID()))
		s.logger.Info("constellation created", zap.Int("tasks", len(c.Tasks())))
	}
	if s.unsubscribe == nil {
		s.subscribe()
	}
	if s.launches > 0 {
		s.restarts++
		if s.restarts > s.ctl.maxRestarts {
			s.err = fmt.Errorf("%w: %d", ErrTooManyRestarts, s.ctl.maxRestarts)
			return InputStartFailed
		}
		s.logger.Info("relaunching orchestration", zap.Int("restart", s.restarts))
	}
	s.launch(ctx)
	return InputLaunched
}

func (s *session) subscribe() {
	id := s.c.ID()
	s.unsubscribe = s.ctl.bus.Subscribe(ports.ObserverFunc(func(ctx context.Context, ev ports.Event) error {
		if ev.ConstellationID != id {
			return nil
		}
		select {
		case s.queue <- ev:
		case <-s.stop:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}),
		ports.EventTaskCompleted,
		ports.EventTaskFailed,
		ports.EventConstellationModified,
		ports.EventConstellationCompleted,
		ports.EventConstellationFailed,
	)
}

func (s *session) launch(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o := &orchestration{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(o.done)
		o.res, o.err = s.ctl.orch.Orchestrate(runCtx, s.c, s.ctl.opts)
	}()
	s.orch = o
	s.launches++
	s.exited = false
	s.settled = false
	s.settleC = nil
}

// monitor waits for the next thing that can move the session.
func (s *session) monitor(ctx context.Context) Input {
	for {
		var done <-chan struct{}
		if !s.exited {
			done = s.orch.done
		}

		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			return InputCancelled

		case <-done:
			s.exited = true
			if err := s.orch.err; err != nil {
				if ctx.Err() != nil {
					s.err = ctx.Err()
					return InputCancelled
				}
				s.err = err
				return InputOrchestrationFailed
			}
			if !s.settled {
				s.settleC = time.After(s.ctl.settle)
				continue
			}
			return s.reconcile(ctx)

		case <-s.settleC:
			s.settleC = nil
			s.settled = true
			s.logger.Warn("orchestration returned without a final event")
			return s.reconcile(ctx)

		case ev := <-s.queue:
			switch ev.Type {
			case ports.EventTaskCompleted, ports.EventTaskFailed:
				s.edit(ctx, ev)
			case ports.EventConstellationCompleted, ports.EventConstellationFailed:
				s.settled = true
			}
			if !s.exited {
				return InputTaskEvent
			}
			if !s.settled {
				continue
			}
			s.settleC = nil
			return s.reconcile(ctx)
		}
	}
}

// edit hands a task outcome to the editor and wakes the orchestrator when
// the graph changed.
func (s *session) edit(ctx context.Context, ev ports.Event) {
	before := s.c.Revision()
	if err := s.ctl.editor.Process(ctx, s.c, ev); err != nil {
		s.logger.Warn("editor failed to process event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
		return
	}
	if s.c.Revision() == before {
		return
	}
	ready := make([]string, 0)
	for _, t := range s.c.ReadyTasks() {
		ready = append(ready, t.ID)
	}
	err := s.ctl.bus.Publish(ctx, ports.NewConstellationEvent(ports.EventConstellationModified, s.c.ID(), ports.ConstellationEvent{
		State:         s.c.State(),
		NewReadyTasks: ready,
	}))
	if err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", string(ports.EventConstellationModified)),
			zap.Error(err))
	}
}

// reconcile decides what follows an exited orchestration.
func (s *session) reconcile(ctx context.Context) Input {
	if !s.c.IsComplete() {
		return InputRelaunch
	}
	if s.ctl.shouldContinue(ctx, s.c) {
		s.logger.Debug("constellation complete, waiting for more work")
		return InputContinue
	}
	return InputComplete
}

// shutdown stops a running orchestration and waits for it.
func (s *session) shutdown() {
	if s.orch == nil || s.exited {
		return
	}
	s.orch.cancel()
	<-s.orch.done
	s.exited = true
}

func (s *session) close() {
	if s.orch != nil {
		s.orch.cancel()
	}
	close(s.stop)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
