// Package dispatch serializes every device call behind a single worker.
//
// Scheduled firings and manual API calls both enqueue here, so at most one
// connect+command sequence is in flight at any time. Reads (status/energy)
// share the same gate: call volume is human/schedule scale, and reading the
// plug mid-command is never worth the saved queueing.
package dispatch

import (
	"context"
	"sync"
	"time"

	"plugd/internal/device"
	"plugd/pkg/logx"
)

// Source tags who asked for a dispatch.
type Source string

const (
	SourceManual   Source = "manual"
	SourceSchedule Source = "schedule"
)

// Result is the uniform outcome of one dispatch. Gateway failures never
// escape as errors; they are flattened into Success=false.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func ok() Result { return Result{Success: true} }

func failed(err error) Result {
	if err == nil {
		return ok()
	}
	return Result{Success: false, Error: err.Error()}
}

// AuditEntry records one completed dispatch.
type AuditEntry struct {
	At     time.Time
	Source Source
	Op     string
	OK     bool
	Error  string
	Took   time.Duration
}

// Auditor receives completed dispatches. Append must not block the worker
// for long; failures are logged and otherwise ignored.
type Auditor interface {
	Append(ctx context.Context, e AuditEntry) error
}

type Config struct {
	// Timeout bounds one connect+command sequence. Default 10s.
	Timeout time.Duration
	// QueueSize is the pending-dispatch buffer. Default 16.
	QueueSize int
}

type request struct {
	op     string
	source Source
	run    func(ctx context.Context, c device.Conn) error
	reply  chan Result
}

// Dispatcher owns the device gateway. No automatic retries: a failed
// dispatch is reported as-is, since replaying a physical toggle blindly
// risks double-toggling.
type Dispatcher struct {
	log   logx.Logger
	gw    device.Gateway
	cfg   Config
	audit Auditor

	mu      sync.Mutex
	queue   chan request
	stopCh  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(gw device.Gateway, cfg Config, log logx.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Dispatcher{log: log, gw: gw, cfg: cfg}
}

// SetAuditor installs the optional dispatch audit sink. Call before Start.
func (d *Dispatcher) SetAuditor(a Auditor) {
	d.mu.Lock()
	d.audit = a
	d.mu.Unlock()
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.queue = make(chan request, d.cfg.QueueSize)
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})

	queue := d.queue
	stopCh := d.stopCh
	done := d.done
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.worker(ctx, queue, stopCh, done)
	}()
	d.log.Info("dispatcher started", logx.Duration("timeout", d.cfg.Timeout))
}

// Stop rejects new dispatches and waits for the in-flight one to finish.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stopCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.log.Info("dispatcher stopped")
}

// TurnOn switches the plug on.
func (d *Dispatcher) TurnOn(ctx context.Context, source Source) Result {
	return d.do(ctx, "turn_on", source, func(ctx context.Context, c device.Conn) error {
		return c.TurnOn(ctx)
	})
}

// TurnOff switches the plug off.
func (d *Dispatcher) TurnOff(ctx context.Context, source Source) Result {
	return d.do(ctx, "turn_off", source, func(ctx context.Context, c device.Conn) error {
		return c.TurnOff(ctx)
	})
}

// Status reads the instantaneous device state.
func (d *Dispatcher) Status(ctx context.Context) (device.Status, Result) {
	var st device.Status
	res := d.do(ctx, "status", SourceManual, func(ctx context.Context, c device.Conn) error {
		var err error
		st, err = c.Status(ctx)
		return err
	})
	return st, res
}

// Energy reads raw usage samples for the window.
func (d *Dispatcher) Energy(ctx context.Context, interval device.Interval, start, end time.Time) ([]float64, Result) {
	var samples []float64
	res := d.do(ctx, "energy", SourceManual, func(ctx context.Context, c device.Conn) error {
		var err error
		samples, err = c.Energy(ctx, interval, start, end)
		return err
	})
	return samples, res
}

func (d *Dispatcher) do(ctx context.Context, op string, source Source, run func(context.Context, device.Conn) error) Result {
	d.mu.Lock()
	started := d.started
	queue := d.queue
	stopCh := d.stopCh
	done := d.done
	d.mu.Unlock()
	if !started {
		return Result{Success: false, Error: "dispatcher not running"}
	}

	req := request{op: op, source: source, run: run, reply: make(chan Result, 1)}
	select {
	case queue <- req:
	case <-stopCh:
		return Result{Success: false, Error: "dispatcher stopping"}
	case <-done:
		return Result{Success: false, Error: "dispatcher stopping"}
	case <-ctx.Done():
		return failed(ctx.Err())
	}

	select {
	case res := <-req.reply:
		return res
	case <-done:
		// The worker may have finished this request just before exiting.
		select {
		case res := <-req.reply:
			return res
		default:
		}
		return Result{Success: false, Error: "dispatcher stopping"}
	case <-ctx.Done():
		// The command may still execute; only the caller stops waiting.
		return failed(ctx.Err())
	}
}

func (d *Dispatcher) worker(ctx context.Context, queue chan request, stopCh, done chan struct{}) {
	defer func() {
		// The worker is the sole consumer: once it exits (Stop or context
		// cancellation), mark the dispatcher stopped, signal waiters, and
		// fail everything still queued so no caller waits on a reply that
		// will never come.
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		close(done)
		for {
			select {
			case req := <-queue:
				req.reply <- Result{Success: false, Error: "dispatcher stopping"}
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req := <-queue:
			req.reply <- d.exec(req)
		}
	}
}

func (d *Dispatcher) exec(req request) Result {
	start := time.Now()
	// Deliberately not derived from the worker context: a command already in
	// flight runs to completion even once shutdown begins, so a toggle is
	// never cut off halfway.
	opCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	err := func() error {
		conn, err := d.gw.Connect(opCtx)
		if err != nil {
			return err
		}
		return req.run(opCtx, conn)
	}()

	took := time.Since(start)
	res := failed(err)
	if err != nil {
		d.log.Warn("dispatch failed",
			logx.String("op", req.op), logx.String("source", string(req.source)),
			logx.Duration("took", took), logx.Err(err))
	} else {
		d.log.Info("dispatch ok",
			logx.String("op", req.op), logx.String("source", string(req.source)),
			logx.Duration("took", took))
	}

	d.mu.Lock()
	audit := d.audit
	d.mu.Unlock()
	if audit != nil {
		entry := AuditEntry{
			At: start, Source: req.source, Op: req.op,
			OK: res.Success, Error: res.Error, Took: took,
		}
		actx, acancel := context.WithTimeout(context.Background(), 2*time.Second)
		if aerr := audit.Append(actx, entry); aerr != nil {
			d.log.Warn("audit append failed", logx.Err(aerr))
		}
		acancel()
	}
	return res
}
