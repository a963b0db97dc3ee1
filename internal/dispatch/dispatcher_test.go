package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"plugd/internal/device"
	"plugd/pkg/logx"
)

type span struct {
	start time.Time
	end   time.Time
}

// fakeGateway records the execution window of every command so tests can
// assert that no two device calls overlap.
type fakeGateway struct {
	mu    sync.Mutex
	spans []span

	connectErr error
	cmdErr     error
	cmdDelay   time.Duration
	block      bool          // hold commands until the op context expires
	running    chan struct{} // signalled when a command starts executing
}

func (g *fakeGateway) Connect(ctx context.Context) (device.Conn, error) {
	if g.connectErr != nil {
		return nil, g.connectErr
	}
	return &fakeConn{gw: g}, nil
}

func (g *fakeGateway) record(s span) {
	g.mu.Lock()
	g.spans = append(g.spans, s)
	g.mu.Unlock()
}

type fakeConn struct {
	gw *fakeGateway
}

func (c *fakeConn) run(ctx context.Context) error {
	start := time.Now()
	defer func() { c.gw.record(span{start: start, end: time.Now()}) }()

	if c.gw.running != nil {
		select {
		case c.gw.running <- struct{}{}:
		default:
		}
	}

	if c.gw.block {
		<-ctx.Done()
		return &device.DeviceError{Op: "cmd", Err: ctx.Err()}
	}
	if c.gw.cmdDelay > 0 {
		time.Sleep(c.gw.cmdDelay)
	}
	return c.gw.cmdErr
}

func (c *fakeConn) TurnOn(ctx context.Context) error  { return c.run(ctx) }
func (c *fakeConn) TurnOff(ctx context.Context) error { return c.run(ctx) }
func (c *fakeConn) Status(ctx context.Context) (device.Status, error) {
	if err := c.run(ctx); err != nil {
		return device.Status{}, err
	}
	return device.Status{IsOn: true, CurrentPowerW: 42.5}, nil
}
func (c *fakeConn) Energy(ctx context.Context, _ device.Interval, _, _ time.Time) ([]float64, error) {
	if err := c.run(ctx); err != nil {
		return nil, err
	}
	return []float64{1, 2, 3}, nil
}

func newTestDispatcher(t *testing.T, gw device.Gateway, cfg Config) *Dispatcher {
	t.Helper()
	d := New(gw, cfg, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		d.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return d
}

func TestDispatchSuccess(t *testing.T) {
	gw := &fakeGateway{}
	d := newTestDispatcher(t, gw, Config{})

	res := d.TurnOn(context.Background(), SourceManual)
	if !res.Success {
		t.Fatalf("TurnOn failed: %s", res.Error)
	}

	st, res := d.Status(context.Background())
	if !res.Success {
		t.Fatalf("Status failed: %s", res.Error)
	}
	if !st.IsOn || st.CurrentPowerW != 42.5 {
		t.Fatalf("unexpected status %+v", st)
	}

	samples, res := d.Energy(context.Background(), device.IntervalDaily, time.Now().Add(-time.Hour), time.Now())
	if !res.Success {
		t.Fatalf("Energy failed: %s", res.Error)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
}

func TestDispatchSerializesConcurrentCalls(t *testing.T) {
	gw := &fakeGateway{cmdDelay: 40 * time.Millisecond}
	d := newTestDispatcher(t, gw, Config{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if res := d.TurnOn(context.Background(), SourceManual); !res.Success {
			t.Errorf("TurnOn: %s", res.Error)
		}
	}()
	go func() {
		defer wg.Done()
		if res := d.TurnOff(context.Background(), SourceSchedule); !res.Success {
			t.Errorf("TurnOff: %s", res.Error)
		}
	}()
	wg.Wait()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.spans) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(gw.spans))
	}
	a, b := gw.spans[0], gw.spans[1]
	if a.end.After(b.start) {
		t.Fatalf("device calls overlapped: first ended %v, second started %v", a.end, b.start)
	}
}

func TestDispatchNormalizesErrors(t *testing.T) {
	gw := &fakeGateway{cmdErr: &device.DeviceError{Op: "turn_on", Err: errors.New("boom")}}
	d := newTestDispatcher(t, gw, Config{})

	res := d.TurnOn(context.Background(), SourceManual)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Fatal("failure must carry a message")
	}
}

func TestDispatchConnectFailure(t *testing.T) {
	gw := &fakeGateway{connectErr: &device.ConnError{Err: errors.New("unreachable")}}
	d := newTestDispatcher(t, gw, Config{})

	res := d.TurnOff(context.Background(), SourceSchedule)
	if res.Success {
		t.Fatal("expected failure")
	}
}

func TestDispatchTimeout(t *testing.T) {
	gw := &fakeGateway{block: true}
	d := newTestDispatcher(t, gw, Config{Timeout: 30 * time.Millisecond})

	start := time.Now()
	res := d.TurnOn(context.Background(), SourceManual)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("dispatch hung for %v instead of timing out", took)
	}
}

func TestDispatchWhenStopped(t *testing.T) {
	gw := &fakeGateway{}
	d := New(gw, Config{}, logx.Nop())

	res := d.TurnOn(context.Background(), SourceManual)
	if res.Success {
		t.Fatal("dispatch must fail when the worker is not running")
	}
}

func TestDispatchFailsAfterWorkerContextCancelled(t *testing.T) {
	gw := &fakeGateway{}
	d := New(gw, Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	cancel()
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit on context cancellation")
	}

	got := make(chan Result, 1)
	go func() { got <- d.TurnOn(context.Background(), SourceSchedule) }()
	select {
	case res := <-got:
		if res.Success {
			t.Fatal("dispatch must fail once the worker is gone")
		}
		if res.Error == "" {
			t.Fatal("failure must carry a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked after worker exit")
	}
}

func TestInFlightCommandSurvivesShutdownSignal(t *testing.T) {
	gw := &fakeGateway{cmdDelay: 50 * time.Millisecond, running: make(chan struct{}, 1)}
	d := New(gw, Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	got := make(chan Result, 1)
	go func() { got <- d.TurnOn(context.Background(), SourceManual) }()

	select {
	case <-gw.running:
	case <-time.After(time.Second):
		t.Fatal("command never started executing")
	}
	cancel()

	select {
	case res := <-got:
		if !res.Success {
			t.Fatalf("in-flight command aborted by shutdown: %s", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return")
	}
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAuditor) Append(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

func TestDispatchAudits(t *testing.T) {
	gw := &fakeGateway{cmdErr: errors.New("nope")}
	d := New(gw, Config{}, logx.Nop())
	auditor := &recordingAuditor{}
	d.SetAuditor(auditor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	_ = d.TurnOn(context.Background(), SourceSchedule)

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	if len(auditor.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(auditor.entries))
	}
	e := auditor.entries[0]
	if e.OK || e.Op != "turn_on" || e.Source != SourceSchedule || e.Error == "" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}
