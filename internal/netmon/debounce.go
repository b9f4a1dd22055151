package netmon

import (
	"context"
	"time"
)

// Debouncer coalesces bursts of network change events. Link flaps on
// mobile networks produce several netlink messages per transition; the
// tracker only needs to rescan once the burst settles.
type Debouncer struct {
	interval time.Duration
	input    <-chan Event
	output   chan Event
}

// NewDebouncer creates a debouncer that emits the last event of each
// burst once no new event has arrived for interval.
func NewDebouncer(input <-chan Event, interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		input:    input,
		output:   make(chan Event),
	}
}

// Run starts the debouncer and returns the output channel. The output is
// closed when ctx is done or the input is closed (after flushing).
func (d *Debouncer) Run(ctx context.Context) <-chan Event {
	go d.loop(ctx)
	return d.output
}

func (d *Debouncer) loop(ctx context.Context) {
	defer close(d.output)

	timer := time.NewTimer(d.interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pending *Event
	emit := func() bool {
		if pending == nil {
			return true
		}
		select {
		case d.output <- *pending:
			pending = nil
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.input:
			if !ok {
				emit()
				return
			}
			if pending != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			pending = &event
			timer.Reset(d.interval)

		case <-timer.C:
			if !emit() {
				return
			}
		}
	}
}
