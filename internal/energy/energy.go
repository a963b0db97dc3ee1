// Package energy computes the aggregation windows for usage queries.
package energy

import (
	"time"

	"github.com/dromara/carbon/v2"

	"plugd/internal/device"
)

// Window is one bounded energy query.
type Window struct {
	Interval device.Interval
	Start    time.Time
	End      time.Time
}

// Day covers today, from local midnight to now.
func Day(now time.Time) Window {
	c := carbon.CreateFromStdTime(now)
	return Window{
		Interval: device.IntervalDaily,
		Start:    c.StartOfDay().StdTime(),
		End:      now,
	}
}

// Month covers the current calendar month, starting at the 1st. When
// monthToDate is set the window ends now; otherwise it extends to the end of
// the month, leaving the provider to report zeros for the future days.
func Month(now time.Time, monthToDate bool) Window {
	c := carbon.CreateFromStdTime(now)
	end := now
	if !monthToDate {
		end = c.EndOfMonth().StdTime()
	}
	return Window{
		Interval: device.IntervalMonthly,
		Start:    c.StartOfMonth().StdTime(),
		End:      end,
	}
}

// Sum aggregates raw samples into a single usage figure.
func Sum(samples []float64) float64 {
	var total float64
	for _, s := range samples {
		total += s
	}
	return total
}
