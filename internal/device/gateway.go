// Package device abstracts the remote smart plug.
//
// The plug is an unreliable network dependency: every call can time out or
// fail, so all operations take a context and return typed errors the
// dispatcher normalizes.
package device

import (
	"context"
	"fmt"
	"time"
)

// Interval selects the sample granularity of an energy query.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalMonthly Interval = "monthly"
)

// Status is an instantaneous device reading.
type Status struct {
	IsOn          bool
	CurrentPowerW float64
}

// Conn is a live session with the plug. Sessions are cheap and established
// per dispatch; there is no pooling requirement at this call volume.
type Conn interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	// Energy returns raw samples for the window; callers sum them.
	Energy(ctx context.Context, interval Interval, start, end time.Time) ([]float64, error)
}

// Gateway establishes sessions with the plug.
type Gateway interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnError means the plug could not be reached or refused the session.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string { return fmt.Sprintf("device connect: %v", e.Err) }
func (e *ConnError) Unwrap() error { return e.Err }

// DeviceError means the plug was reached but the command failed.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("device %s: %v", e.Op, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }
