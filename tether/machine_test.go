package tether

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tethercloak/bypass"
	"tethercloak/health"
	"tethercloak/ops"
	"tethercloak/recovery"
)

// scriptRunner executes nothing. Each op either succeeds or fails per
// the fail map; failTimes lets a test fail an op only on its first N
// invocations, blockOn holds an op until the test releases its gate.
type scriptRunner struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]ops.Result
	failOnce map[string]int
	block    map[string]chan struct{}
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		fail:     make(map[string]ops.Result),
		failOnce: make(map[string]int),
		block:    make(map[string]chan struct{}),
	}
}

func (r *scriptRunner) Run(_ context.Context, op ops.Operation) ops.Result {
	key := op.String()
	r.mu.Lock()
	r.calls = append(r.calls, key)
	gate := r.block[key]
	var res ops.Result
	failed := false
	if n, limited := r.failOnce[key]; limited {
		if n > 0 {
			r.failOnce[key] = n - 1
			res = r.fail[key]
			failed = true
		}
	} else if f, ok := r.fail[key]; ok {
		res = f
		failed = true
	}
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if failed {
		res.Op = op
		return res
	}
	return ops.Result{Op: op, ExitCode: 0}
}

func (r *scriptRunner) failAlways(key string, res ops.Result) {
	r.mu.Lock()
	r.fail[key] = res
	r.mu.Unlock()
}

func (r *scriptRunner) failTimes(key string, n int, res ops.Result) {
	r.mu.Lock()
	r.fail[key] = res
	r.failOnce[key] = n
	r.mu.Unlock()
}

func (r *scriptRunner) blockOn(key string, gate chan struct{}) {
	r.mu.Lock()
	r.block[key] = gate
	r.mu.Unlock()
}

func (r *scriptRunner) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeResolver struct {
	mu   sync.Mutex
	info InterfaceInfo
	err  error
	n    int
}

func (f *fakeResolver) Resolve(context.Context) (InterfaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return InterfaceInfo{}, f.err
	}
	return f.info, nil
}

func (f *fakeResolver) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeValidator struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
}

func (f *fakeValidator) Validate(ctx context.Context, _ InterfaceInfo) error {
	f.mu.Lock()
	block := f.block
	err := f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// chanSink forwards machine events to channels so tests can assert
// ordering without sleeping.
type chanSink struct {
	states   chan State
	degraded chan health.Sample
	attempts chan recovery.Attempt
}

func newChanSink() *chanSink {
	return &chanSink{
		states:   make(chan State, 32),
		degraded: make(chan health.Sample, 4),
		attempts: make(chan recovery.Attempt, 4),
	}
}

func (s *chanSink) StateChanged(_, newState State)       { s.states <- newState }
func (s *chanSink) HealthDegraded(sample health.Sample)  { s.degraded <- sample }
func (s *chanSink) RecoveryAttempted(a recovery.Attempt) { s.attempts <- a }

func (s *chanSink) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-s.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func testLayers() []*bypass.Layer {
	return []*bypass.Layer{
		{
			ID:         "ttl",
			Ordinal:    10,
			Activate:   ops.Operation{Name: "iptables", Args: []string{"ttl", "up", "{iface}"}},
			Deactivate: ops.Operation{Name: "iptables", Args: []string{"ttl", "down", "{iface}"}},
		},
		{
			ID:         "dns",
			Ordinal:    20,
			Activate:   ops.Operation{Name: "iptables", Args: []string{"dns", "up"}},
			Deactivate: ops.Operation{Name: "iptables", Args: []string{"dns", "down"}},
		},
	}
}

func testInfo() InterfaceInfo {
	return InterfaceInfo{Name: "usb0", Kind: KindUSB, Gateway: "192.168.42.129", ProxyPort: 8000}
}

type machineFixture struct {
	m        *Machine
	runner   *scriptRunner
	resolver *fakeResolver
	valid    *fakeValidator
	sink     *chanSink
}

func newFixture(t *testing.T, cfg Config) *machineFixture {
	t.Helper()
	runner := newScriptRunner()
	resolver := &fakeResolver{info: testInfo()}
	valid := &fakeValidator{}
	sink := newChanSink()
	classifier, err := recovery.NewClassifier(recovery.DefaultCatalog())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = time.Hour
	}
	if cfg.Monitor.Dial == nil {
		cfg.Monitor.Dial = func(context.Context, string, time.Duration) (time.Duration, error) {
			return time.Millisecond, nil
		}
	}
	m := NewMachine(Deps{
		Runner:     runner,
		Resolver:   resolver,
		Validator:  valid,
		Pipeline:   bypass.NewPipeline(runner),
		Layers:     testLayers(),
		Classifier: classifier,
		Engine:     recovery.NewEngine(runner),
		Sink:       sink,
	}, cfg)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return &machineFixture{m: m, runner: runner, resolver: resolver, valid: valid, sink: sink}
}

func TestConnectThenDisconnect(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateConnecting)
	f.sink.waitState(t, StateConnected)

	calls := f.runner.callLog()
	joined := strings.Join(calls, "\n")
	if !strings.Contains(joined, "iptables ttl up usb0") {
		t.Fatalf("placeholder not expanded in activation, calls:\n%s", joined)
	}
	if !strings.Contains(joined, "iptables dns up") {
		t.Fatalf("second layer not activated, calls:\n%s", joined)
	}

	if err := f.m.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	f.sink.waitState(t, StateDisconnecting)
	f.sink.waitState(t, StateDisconnected)

	calls = f.runner.callLog()
	dnsDown, ttlDown := -1, -1
	for i, c := range calls {
		if c == "iptables dns down" {
			dnsDown = i
		}
		if c == "iptables ttl down usb0" {
			ttlDown = i
		}
	}
	if dnsDown < 0 || ttlDown < 0 || dnsDown > ttlDown {
		t.Fatalf("expected reverse-order teardown, calls: %v", calls)
	}
}

func TestConnectRejectedWhileBusy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	release := make(chan struct{})
	f.valid.mu.Lock()
	f.valid.block = release
	f.valid.mu.Unlock()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateConnecting)

	if err := f.m.Connect(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy during connect, got %v", err)
	}

	close(release)
	f.sink.waitState(t, StateConnected)

	if err := f.m.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestDisconnectDuringConnectCancels(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	release := make(chan struct{})
	f.valid.mu.Lock()
	f.valid.block = release
	f.valid.mu.Unlock()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateConnecting)

	if err := f.m.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect during connect: %v", err)
	}
	f.sink.waitState(t, StateDisconnected)

	// Validation was cancelled before any layer ran, so no activate
	// command may appear in the log.
	for _, c := range f.runner.callLog() {
		if strings.Contains(c, "up") {
			t.Fatalf("layer activated despite cancel: %s", c)
		}
	}
	close(release)
}

func TestConnectFailureRestsInError(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.resolver.mu.Lock()
	f.resolver.err = &OpError{Result: ops.Result{
		Op:       ops.Operation{Name: "iface-discover"},
		ExitCode: 1,
		Stderr:   "no tether interface",
	}}
	f.resolver.mu.Unlock()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateError)

	rec := f.m.LastRecord()
	if rec == nil || rec.Code != "interface_not_found" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// without auto-recover or auto-reconnect the machine stays put
	time.Sleep(50 * time.Millisecond)
	if got := f.m.State(); got != StateError {
		t.Fatalf("expected rest state Error, got %s", got)
	}

	// a fresh connect request is legal from Error
	f.resolver.mu.Lock()
	f.resolver.err = nil
	f.resolver.mu.Unlock()
	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("reconnect from Error: %v", err)
	}
	f.sink.waitState(t, StateConnected)
}

func TestRollbackOnLayerFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.runner.failAlways("iptables dns up", ops.Result{ExitCode: 4, Stderr: "nat: no chain"})

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateError)

	calls := f.runner.callLog()
	joined := strings.Join(calls, "\n")
	if !strings.Contains(joined, "iptables ttl down usb0") {
		t.Fatalf("first layer was not rolled back, calls:\n%s", joined)
	}
	rec := f.m.LastRecord()
	if rec == nil || rec.Code != "dns_redirect_failed" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAutoRecoverResolvesAndReconnects(t *testing.T) {
	f := newFixture(t, Config{AutoRecover: true})
	ctx := context.Background()

	// first activation of the dns layer hits the xtables lock; the
	// catalog fix passes, the recheck re-runs the operation, and the
	// machine retries to completion.
	f.runner.failTimes("iptables dns up", 1, ops.Result{
		ExitCode: 4,
		Stderr:   "Resource temporarily unavailable: xtables lock",
	})

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateErrorRecovery)

	var attempt recovery.Attempt
	select {
	case attempt = <-f.sink.attempts:
	case <-time.After(3 * time.Second):
		t.Fatal("no recovery attempt reported")
	}
	if attempt.Outcome != recovery.OutcomeResolved {
		t.Fatalf("expected resolved, got %s", attempt.Outcome)
	}
	if attempt.Record.Code != "iptables_lock_busy" {
		t.Fatalf("unexpected record: %s", attempt.Record.Code)
	}

	f.sink.waitState(t, StateConnected)

	joined := strings.Join(f.runner.callLog(), "\n")
	if !strings.Contains(joined, "iptables -w 5 -L -n") {
		t.Fatalf("auto-fix was not executed, calls:\n%s", joined)
	}
}

func TestAutoRecoverEscalatesWithoutFix(t *testing.T) {
	f := newFixture(t, Config{AutoRecover: true})
	ctx := context.Background()

	f.resolver.mu.Lock()
	f.resolver.err = &OpError{Result: ops.Result{
		Op:       ops.Operation{Name: "iface-discover"},
		ExitCode: 1,
		Stderr:   "no tether interface",
	}}
	f.resolver.mu.Unlock()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateErrorRecovery)

	select {
	case attempt := <-f.sink.attempts:
		if attempt.Outcome != recovery.OutcomeEscalated {
			t.Fatalf("expected escalated, got %s", attempt.Outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no recovery attempt reported")
	}
	f.sink.waitState(t, StateDisconnected)
}

func TestRetryBudgetBoundsReconnects(t *testing.T) {
	f := newFixture(t, Config{
		AutoReconnect:  true,
		RetryBudget:    2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	ctx := context.Background()

	f.resolver.mu.Lock()
	f.resolver.err = &OpError{Result: ops.Result{
		Op:       ops.Operation{Name: "iface-discover"},
		ExitCode: 1,
		Stderr:   "no tether interface",
	}}
	f.resolver.mu.Unlock()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateDisconnected)

	// initial attempt plus two budgeted retries
	if got := f.resolver.resolveCount(); got != 3 {
		t.Fatalf("expected 3 resolve attempts, got %d", got)
	}
}

func TestDegradationTearsDownAndReportsError(t *testing.T) {
	f := newFixture(t, Config{
		Monitor: health.Config{
			Interval:     5 * time.Millisecond,
			ProbeTargets: []string{"192.0.2.1:443"},
			ProbeTimeout: 10 * time.Millisecond,
			Thresholds:   health.Thresholds{ConsecutiveBad: 1},
			Dial: func(context.Context, string, time.Duration) (time.Duration, error) {
				return 0, errors.New("connect: network is unreachable")
			},
		},
	})
	ctx := context.Background()

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateConnected)

	select {
	case <-f.sink.degraded:
	case <-time.After(3 * time.Second):
		t.Fatal("no degradation event")
	}
	f.sink.waitState(t, StateError)

	rec := f.m.LastRecord()
	if rec == nil || rec.Code != "connection_degraded" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	joined := strings.Join(f.runner.callLog(), "\n")
	if !strings.Contains(joined, "iptables ttl down usb0") {
		t.Fatalf("layers not torn down after degradation, calls:\n%s", joined)
	}
}

func TestDisconnectDuringDegradedTeardown(t *testing.T) {
	f := newFixture(t, Config{
		AutoReconnect:  true,
		RetryBudget:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		Monitor: health.Config{
			Interval:     5 * time.Millisecond,
			ProbeTargets: []string{"192.0.2.1:443"},
			ProbeTimeout: 10 * time.Millisecond,
			Thresholds:   health.Thresholds{ConsecutiveBad: 1},
			Dial: func(context.Context, string, time.Duration) (time.Duration, error) {
				return 0, errors.New("connect: network is unreachable")
			},
		},
	})
	ctx := context.Background()

	// Hold the degradation teardown open on its first deactivate op so
	// requests can race it while the machine sits in Error.
	gate := make(chan struct{})
	f.runner.blockOn("iptables dns down", gate)

	if err := f.m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.sink.waitState(t, StateConnected)

	select {
	case <-f.sink.degraded:
	case <-time.After(3 * time.Second):
		t.Fatal("no degradation event")
	}
	f.sink.waitState(t, StateError)

	if err := f.m.Connect(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy during degradation teardown, got %v", err)
	}
	if err := f.m.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect during degradation teardown: %v", err)
	}
	f.sink.waitState(t, StateDisconnecting)

	close(gate)
	f.sink.waitState(t, StateDisconnected)

	// The disconnect superseded the degradation cycle: no reconnect may
	// be scheduled on its behalf.
	time.Sleep(50 * time.Millisecond)
	if got := f.m.State(); got != StateDisconnected {
		t.Fatalf("machine left Disconnected after user disconnect: %s", got)
	}
	if got := f.resolver.resolveCount(); got != 1 {
		t.Fatalf("reconnect ran after user disconnect, %d resolve attempts", got)
	}
}
