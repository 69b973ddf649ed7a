package tether

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tethercloak/bypass"
	"tethercloak/health"
	"tethercloak/ops"
	"tethercloak/recovery"
)

var (
	// ErrBusy rejects connect/disconnect requests that arrive while a
	// transition is in flight. Requests are never queued.
	ErrBusy = errors.New("connection busy, try again")
	// ErrAlreadyConnected rejects a connect request in Connected state.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotRunning is returned when the machine loop is not running.
	ErrNotRunning = errors.New("state machine not running")
)

type Config struct {
	AutoReconnect  bool
	AutoRecover    bool
	RetryBudget    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Monitor        health.Config
}

func (c Config) withDefaults() Config {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Deps are the machine's collaborators; constructed once at startup
// and injected, never looked up ambiently.
type Deps struct {
	Runner     ops.Runner
	Resolver   InterfaceResolver
	Validator  Validator
	Pipeline   *bypass.Pipeline
	Layers     []*bypass.Layer
	Classifier *recovery.Classifier
	Engine     *recovery.Engine
	Sink       Sink
}

type requestKind int

const (
	reqConnect requestKind = iota
	reqDisconnect
)

type request struct {
	kind  requestKind
	reply chan error
}

type jobKind int

const (
	jobConnect jobKind = iota
	jobTeardown
	jobRecovery
)

type afterTeardown int

const (
	afterDisconnect afterTeardown = iota
	afterDegraded
)

// jobResult is the completion signal of the single in-flight
// asynchronous job (connect attempt, teardown, or recovery pass).
type jobResult struct {
	kind jobKind

	// connect attempt
	err     error
	info    InterfaceInfo
	layers  []*bypass.Layer
	recheck func(context.Context) error

	// teardown
	after            afterTeardown
	teardownFailures []error

	// recovery
	attempt recovery.Attempt
}

// Machine is the connection orchestrator. A single owner goroutine
// consumes requests and completion events; it is the only writer of
// the connection state. Blocking work (subprocesses, probes, fixes)
// always runs on a spawned job goroutine, at most one at a time.
type Machine struct {
	cfg  Config
	deps Deps

	requests  chan request
	jobCh     chan jobResult
	degradeCh chan health.Sample

	state atomic.Int32

	mu         sync.Mutex
	lastRecord *recovery.Record
	monitor    *health.Monitor
	info       InterfaceInfo

	// owner-goroutine fields
	sessionID     string
	sessionLayers []*bypass.Layer
	connectCancel context.CancelFunc
	pendingStop   bool
	// degradeTeardown marks an in-flight degradation teardown. The
	// machine sits in Error while it runs; requests arriving in that
	// window must not treat Error as a rest state.
	degradeTeardown bool
	attempts      int
	backoff       *backoff.ExponentialBackOff
	reconnectT    *time.Timer
	reconnectC    <-chan time.Time
	pendingRecord recovery.Record
	pendingCheck  func(context.Context) error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMachine(deps Deps, cfg Config) *Machine {
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.MaxElapsedTime = 0
	return &Machine{
		cfg:       cfg,
		deps:      deps,
		requests:  make(chan request),
		jobCh:     make(chan jobResult, 1),
		degradeCh: make(chan health.Sample, 1),
		backoff:   bo,
	}
}

func (m *Machine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
}

func (m *Machine) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// LastRecord is the most recent classified failure, kept across the
// Error/Disconnected transition so callers can render manual steps.
func (m *Machine) LastRecord() *recovery.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRecord
}

// Interface is the tethering path of the current session; meaningful
// only while Connected.
func (m *Machine) Interface() InterfaceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// HealthSnapshot copies the monitor's rolling sample window, if a
// monitor is live.
func (m *Machine) HealthSnapshot() []health.Sample {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.Snapshot()
}

// Connect requests a transition to Connecting. It replies as soon as
// the request is accepted or rejected; progress is observed through
// the Sink and State.
func (m *Machine) Connect(ctx context.Context) error {
	return m.submit(ctx, reqConnect)
}

// Disconnect requests teardown. A disconnect during Connecting is
// honored cooperatively: the in-flight layer finishes, then everything
// activated so far is deactivated.
func (m *Machine) Disconnect(ctx context.Context) error {
	return m.submit(ctx, reqDisconnect)
}

func (m *Machine) submit(ctx context.Context, kind requestKind) error {
	if m.done == nil {
		return ErrNotRunning
	}
	req := request{kind: kind, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	logrus.Info("[Machine] started")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case req := <-m.requests:
			m.handleRequest(ctx, req)
		case res := <-m.jobCh:
			m.handleJobResult(ctx, res)
		case sample := <-m.degradeCh:
			m.handleDegraded(ctx, sample)
		case <-m.reconnectC:
			m.reconnectC = nil
			m.reconnectT = nil
			m.setState(StateConnecting)
			m.beginAttempt(ctx)
		}
	}
}

func (m *Machine) handleRequest(ctx context.Context, req request) {
	switch req.kind {
	case reqConnect:
		m.handleConnect(ctx, req)
	case reqDisconnect:
		m.handleDisconnect(ctx, req)
	}
}

func (m *Machine) handleConnect(ctx context.Context, req request) {
	switch m.State() {
	case StateDisconnected, StateError:
		if m.degradeTeardown {
			req.reply <- ErrBusy
			return
		}
		m.stopReconnectTimer()
		m.sessionID = uuid.New().String()
		m.attempts = 0
		m.backoff.Reset()
		logrus.Infof("[Machine] connect requested, session %s", m.sessionID)
		m.setState(StateConnecting)
		m.beginAttempt(ctx)
		req.reply <- nil
	case StateConnected:
		req.reply <- ErrAlreadyConnected
	default:
		req.reply <- ErrBusy
	}
}

func (m *Machine) handleDisconnect(ctx context.Context, req request) {
	switch m.State() {
	case StateConnected:
		m.stopMonitor()
		m.setState(StateDisconnecting)
		m.beginTeardown(ctx, afterDisconnect)
		req.reply <- nil
	case StateConnecting:
		if !m.pendingStop {
			m.pendingStop = true
			if m.connectCancel != nil {
				m.connectCancel()
			}
			logrus.Info("[Machine] disconnect during connect, cancelling after current layer")
		}
		req.reply <- nil
	case StateError:
		m.stopReconnectTimer()
		m.setState(StateDisconnecting)
		if m.degradeTeardown {
			// The degradation teardown already owns the layers; its
			// completion lands in Disconnecting and stops there.
			logrus.Info("[Machine] disconnect supersedes degradation handling")
			req.reply <- nil
			return
		}
		m.beginTeardown(ctx, afterDisconnect)
		req.reply <- nil
	case StateDisconnected:
		req.reply <- nil
	default:
		req.reply <- ErrBusy
	}
}

// beginAttempt spawns the connect job: resolve, validate, activate.
func (m *Machine) beginAttempt(ctx context.Context) {
	attemptCtx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.pendingStop = false
	deps := m.deps
	go func() {
		res := jobResult{kind: jobConnect}

		info, err := deps.Resolver.Resolve(attemptCtx)
		if err != nil {
			res.err = err
			res.recheck = func(c context.Context) error {
				_, e := deps.Resolver.Resolve(c)
				return e
			}
			m.jobCh <- res
			return
		}
		res.info = info

		if err := deps.Validator.Validate(attemptCtx, info); err != nil {
			res.err = err
			res.recheck = func(c context.Context) error {
				return deps.Validator.Validate(c, info)
			}
			m.jobCh <- res
			return
		}

		layers := bypass.ExpandLayers(deps.Layers, info.Vars())
		if _, err := deps.Pipeline.Activate(attemptCtx, layers); err != nil {
			res.err = err
			res.recheck = layerRecheck(deps.Runner, layers, err)
			m.jobCh <- res
			return
		}
		res.layers = layers
		m.jobCh <- res
	}()
}

// layerRecheck re-runs the failed layer's activate operation and, when
// it passes, deactivates it again to restore the all-inactive
// invariant. A fix only counts as verified if the original operation
// now succeeds.
func layerRecheck(runner ops.Runner, layers []*bypass.Layer, err error) func(context.Context) error {
	var layerErr *bypass.LayerError
	if !errors.As(err, &layerErr) {
		return nil
	}
	var failed *bypass.Layer
	for _, layer := range layers {
		if layer.ID == layerErr.LayerID {
			failed = layer
			break
		}
	}
	if failed == nil {
		return nil
	}
	return func(c context.Context) error {
		res := runner.Run(c, failed.Activate)
		if !res.OK() {
			return &OpError{Result: res}
		}
		undo := runner.Run(c, failed.Deactivate)
		if !undo.OK() {
			logrus.Warnf("[Machine] recheck cleanup for layer %s failed: %s", failed.ID, undo.Summary())
		}
		return nil
	}
}

func (m *Machine) beginTeardown(ctx context.Context, after afterTeardown) {
	layers := m.sessionLayers
	m.sessionLayers = nil
	m.setInfo(InterfaceInfo{})
	pipeline := m.deps.Pipeline
	go func() {
		res := jobResult{kind: jobTeardown, after: after}
		if len(layers) > 0 {
			_, failures := pipeline.Deactivate(context.WithoutCancel(ctx), layers)
			res.teardownFailures = failures
		}
		m.jobCh <- res
	}()
}

func (m *Machine) handleJobResult(ctx context.Context, res jobResult) {
	switch res.kind {
	case jobConnect:
		m.handleAttemptResult(ctx, res)
	case jobTeardown:
		m.handleTeardownResult(ctx, res)
	case jobRecovery:
		m.handleRecoveryResult(ctx, res.attempt)
	}
}

func (m *Machine) handleAttemptResult(ctx context.Context, res jobResult) {
	m.connectCancel = nil

	if m.pendingStop {
		m.pendingStop = false
		// A successful activation that raced the disconnect still has
		// live layers; failures and cancellations rolled back already.
		if res.err == nil && len(res.layers) > 0 {
			m.sessionLayers = res.layers
			m.setState(StateDisconnecting)
			m.beginTeardown(ctx, afterDisconnect)
			return
		}
		m.setState(StateDisconnected)
		return
	}

	if res.err == nil {
		m.setInfo(res.info)
		m.sessionLayers = res.layers
		m.attempts = 0
		m.backoff.Reset()
		m.setState(StateConnected)
		m.startMonitor(ctx)
		return
	}

	if errors.Is(res.err, context.Canceled) {
		m.setState(StateDisconnected)
		return
	}

	record := m.classify(res.err)
	m.setLastRecord(record)
	logrus.Warnf("[Machine] connect attempt failed: %s", record)
	m.setState(StateError)
	m.decideAfterError(ctx, record, res.recheck)
}

func (m *Machine) handleTeardownResult(ctx context.Context, res jobResult) {
	for _, err := range res.teardownFailures {
		logrus.Warnf("[Machine] teardown: %v", err)
	}
	switch res.after {
	case afterDisconnect:
		m.setState(StateDisconnected)
	case afterDegraded:
		m.degradeTeardown = false
		record := m.pendingRecord
		recheck := m.pendingCheck
		m.pendingCheck = nil
		if m.State() != StateError {
			// A user disconnect superseded the degradation cycle, so
			// no recovery or reconnect policy may run on its behalf.
			m.setState(StateDisconnected)
			return
		}
		m.decideAfterError(ctx, record, recheck)
	}
}

// decideAfterError is the Error-state policy: remediation first when
// enabled, then bounded blind reconnects, otherwise rest in Error
// until the user acts.
func (m *Machine) decideAfterError(ctx context.Context, record recovery.Record, recheck func(context.Context) error) {
	if m.cfg.AutoRecover {
		m.setState(StateErrorRecovery)
		engine := m.deps.Engine
		go func() {
			attempt := engine.Recover(context.WithoutCancel(ctx), record, recheck)
			m.jobCh <- jobResult{kind: jobRecovery, attempt: attempt}
		}()
		return
	}
	if m.cfg.AutoReconnect {
		m.scheduleReconnect()
		return
	}
	// no automation configured: Error is a rest state
}

func (m *Machine) handleRecoveryResult(ctx context.Context, attempt recovery.Attempt) {
	m.deps.Sink.RecoveryAttempted(attempt)
	switch attempt.Outcome {
	case recovery.OutcomeResolved:
		if m.attempts >= m.cfg.RetryBudget {
			m.giveUp()
			return
		}
		m.attempts++
		m.setState(StateConnecting)
		m.beginAttempt(ctx)
	case recovery.OutcomeFailed:
		if m.cfg.AutoReconnect {
			m.setState(StateError)
			m.scheduleReconnect()
			return
		}
		m.setState(StateDisconnected)
	case recovery.OutcomeEscalated:
		m.setState(StateDisconnected)
	}
}

func (m *Machine) handleDegraded(ctx context.Context, sample health.Sample) {
	if m.State() != StateConnected {
		return
	}
	m.deps.Sink.HealthDegraded(sample)
	m.stopMonitor()

	m.pendingRecord = m.classify(degradationFailure(sample))
	m.setLastRecord(m.pendingRecord)
	m.pendingCheck = m.degradationRecheck()
	m.degradeTeardown = true
	m.setState(StateError)
	m.beginTeardown(ctx, afterDegraded)
}

// degradationRecheck re-validates the proxy path, which is the closest
// idempotent stand-in for "the link works again" before a reconnect.
func (m *Machine) degradationRecheck() func(context.Context) error {
	validator := m.deps.Validator
	resolver := m.deps.Resolver
	return func(c context.Context) error {
		info, err := resolver.Resolve(c)
		if err != nil {
			return err
		}
		return validator.Validate(c, info)
	}
}

func degradationFailure(sample health.Sample) error {
	msg := "connection degraded"
	if len(sample.Unhealthy) > 0 {
		msg = "bypass layer unhealthy: " + sample.Unhealthy[0]
	}
	return &OpError{Result: ops.Result{
		Op:       ops.Operation{Name: "health-probe"},
		ExitCode: 1,
		Stderr:   msg,
	}}
}

func (m *Machine) scheduleReconnect() {
	if m.attempts >= m.cfg.RetryBudget {
		m.giveUp()
		return
	}
	m.attempts++
	wait := m.backoff.NextBackOff()
	if wait == backoff.Stop {
		m.giveUp()
		return
	}
	logrus.Infof("[Machine] reconnect attempt %d/%d in %s", m.attempts, m.cfg.RetryBudget, wait.Round(time.Millisecond))
	m.reconnectT = time.NewTimer(wait)
	m.reconnectC = m.reconnectT.C
}

func (m *Machine) giveUp() {
	rec := m.LastRecord()
	if rec != nil {
		logrus.Warnf("[Machine] retry budget exhausted, giving up: %s", rec)
	} else {
		logrus.Warn("[Machine] retry budget exhausted, giving up")
	}
	m.setState(StateDisconnected)
}

func (m *Machine) classify(err error) recovery.Record {
	var layerErr *bypass.LayerError
	if errors.As(err, &layerErr) {
		return m.deps.Classifier.Classify(layerErr.Result)
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return m.deps.Classifier.Classify(opErr.Result)
	}
	return m.deps.Classifier.Classify(ops.Result{
		Op:       ops.Operation{Name: "connect"},
		ExitCode: 1,
		Stderr:   err.Error(),
	})
}

func (m *Machine) startMonitor(ctx context.Context) {
	checker := pipelineChecker{pipeline: m.deps.Pipeline, layers: m.sessionLayers}
	mon := health.NewMonitor(m.cfg.Monitor, checker, func(s health.Sample) {
		select {
		case m.degradeCh <- s:
		default:
		}
	})
	mon.Start(ctx)
	m.mu.Lock()
	m.monitor = mon
	m.mu.Unlock()
}

func (m *Machine) stopMonitor() {
	m.mu.Lock()
	mon := m.monitor
	m.monitor = nil
	m.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}

func (m *Machine) stopReconnectTimer() {
	if m.reconnectT != nil {
		m.reconnectT.Stop()
		m.reconnectT = nil
	}
	m.reconnectC = nil
}

func (m *Machine) setInfo(info InterfaceInfo) {
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
}

func (m *Machine) setLastRecord(rec recovery.Record) {
	m.mu.Lock()
	m.lastRecord = &rec
	m.mu.Unlock()
}

func (m *Machine) setState(next State) {
	old := m.State()
	if old == next {
		return
	}
	m.state.Store(int32(next))
	logrus.Infof("[Machine] %s -> %s", old, next)
	health.SetConnectionState(int(next))
	m.deps.Sink.StateChanged(old, next)
}

// shutdown tears everything down when the machine context is
// cancelled, so abnormal exits never abandon firewall state.
func (m *Machine) shutdown() {
	m.stopMonitor()
	m.stopReconnectTimer()
	m.degradeTeardown = false
	if len(m.sessionLayers) > 0 {
		_, failures := m.deps.Pipeline.Deactivate(context.Background(), m.sessionLayers)
		for _, err := range failures {
			logrus.Warnf("[Machine] shutdown teardown: %v", err)
		}
		m.sessionLayers = nil
	}
	m.setState(StateDisconnected)
	logrus.Info("[Machine] stopped")
}

type pipelineChecker struct {
	pipeline *bypass.Pipeline
	layers   []*bypass.Layer
}

func (c pipelineChecker) Check(ctx context.Context) ([]string, int) {
	return c.pipeline.Verify(ctx, c.layers), len(c.layers)
}
