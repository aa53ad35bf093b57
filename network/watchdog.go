package network

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"monkeykit/clock"
)

const (
	// WatchdogTimeout is how long an acknowledgement or sync reply may take.
	WatchdogTimeout = 5 * time.Second
	// RetryReconnectDelay separates a watchdog teardown from the next connect.
	RetryReconnectDelay = 5 * time.Second
	// DirtyCloseReconnectDelay separates an unclean close from the next connect.
	DirtyCloseReconnectDelay = 2 * time.Second
)

// Watchdog is one debounced deadline shared by two conditions: pending
// delivery (derived from the store) and an unconfirmed history sync. Arming
// restarts the countdown. On expiry the reconnect callback runs only when
// one of the conditions still holds.
type Watchdog struct {
	clock           clock.Clock
	timeout         time.Duration
	deliveryPending func() bool
	logger          *zap.Logger

	mu            sync.Mutex
	timer         *clock.Timer
	gen           uint64
	reconnect     func()
	syncConfirmed bool
}

// NewWatchdog creates an idle watchdog. deliveryPending reports whether any
// message still waits for acknowledgement.
func NewWatchdog(c clock.Clock, timeout time.Duration, deliveryPending func() bool, logger *zap.Logger) *Watchdog {
	if c == nil {
		c = clock.Real()
	}
	if timeout <= 0 {
		timeout = WatchdogTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		clock:           c,
		timeout:         timeout,
		deliveryPending: deliveryPending,
		logger:          logger,
	}
}

// Arm cancels any running countdown and starts a new one that calls
// reconnect on expiry if delivery or sync is still overdue.
func (w *Watchdog) Arm(reconnect func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timer.Stop()
	w.reconnect = reconnect
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() {
		w.fire(gen)
	})
}

// Clear cancels the countdown without firing.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Stop()
	w.timer = nil
	w.gen++
	w.reconnect = nil
}

// Armed reports whether a countdown is running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// ConfirmSync marks the history sync as answered.
func (w *Watchdog) ConfirmSync() {
	w.mu.Lock()
	w.syncConfirmed = true
	w.mu.Unlock()
}

// ResetSync marks the history sync as unanswered.
func (w *Watchdog) ResetSync() {
	w.mu.Lock()
	w.syncConfirmed = false
	w.mu.Unlock()
}

// SyncConfirmed reports whether the last history sync was answered.
func (w *Watchdog) SyncConfirmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncConfirmed
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.gen != gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	reconnect := w.reconnect
	w.reconnect = nil
	syncOverdue := !w.syncConfirmed
	w.mu.Unlock()

	deliveryOverdue := w.deliveryPending != nil && w.deliveryPending()
	if !deliveryOverdue && !syncOverdue {
		return
	}

	w.logger.Info("watchdog expired",
		zap.Bool("delivery_pending", deliveryOverdue),
		zap.Bool("sync_pending", syncOverdue),
	)
	if reconnect != nil {
		reconnect()
	}
}
