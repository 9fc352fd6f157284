package scanflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StallError is the cancellation cause set by a Watchdog.
type StallError struct {
	Reason    StallReason
	LastBytes int64
	Elapsed   time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("upload %s after %s (%d bytes sent)", e.Reason, e.Elapsed.Round(time.Millisecond), e.LastBytes)
}

// Watchdog cancels an upload's context once ClassifyStall reports a stall. Feed it with
// Progress and SetState; call Stop when the upload returns.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time
	cancel  context.CancelCauseFunc

	mu           sync.Mutex
	lastBytes    int64
	lastProgress time.Time
	state        TaskState
	reason       StallReason

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWatchdog starts a watchdog checking every tick. The returned context is cancelled with
// a *StallError cause on stall, or plainly when Stop is called.
func NewWatchdog(parent context.Context, timeout, tick time.Duration) (*Watchdog, context.Context) {
	if tick <= 0 {
		tick = timeout / 4
	}
	if tick <= 0 {
		tick = time.Second
	}
	ctx, cancel := context.WithCancelCause(parent)
	w := &Watchdog{
		timeout:      timeout,
		now:          time.Now,
		cancel:       cancel,
		lastProgress: time.Now(),
		state:        TaskRunning,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go w.run(ctx, tick)
	return w, ctx
}

func (w *Watchdog) run(ctx context.Context, tick time.Duration) {
	defer close(w.done)
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.check(); err != nil {
				w.cancel(err)
				return
			}
		}
	}
}

func (w *Watchdog) check() *StallError {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := w.now().Sub(w.lastProgress)
	reason := ClassifyStall(w.lastBytes, elapsed, w.timeout, w.state)
	if reason == StallNone {
		return nil
	}
	w.reason = reason
	return &StallError{Reason: reason, LastBytes: w.lastBytes, Elapsed: elapsed}
}

// Progress records the total bytes sent so far. Only forward movement resets the timer.
func (w *Watchdog) Progress(total int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if total > w.lastBytes {
		w.lastBytes = total
		w.lastProgress = w.now()
	}
}

func (w *Watchdog) SetState(s TaskState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == TaskPaused && s == TaskRunning {
		w.lastProgress = w.now()
	}
	w.state = s
}

func (w *Watchdog) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBytes
}

// Reason is StallNone unless the watchdog fired.
func (w *Watchdog) Reason() StallReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Stop halts the check loop, waits for it and releases the context.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	w.cancel(context.Canceled)
}
