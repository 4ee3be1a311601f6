package send

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/pgpmail/api"
)

// SendResult is the outcome of a successful send attempt.
type SendResult struct {
	Sent         api.Message
	DeliveryTime time.Time

	// Duration of the undo window: time until the server delivers, but at least
	// the configured minimum notification duration. Undo is possible while the
	// window is open.
	UndoWindow time.Duration
}

// Notifier shows user-visible notifications. The UI layer provides one.
type Notifier interface {
	Notification(text string)
}

// NotificationManager tracks exactly one in-flight send attempt. It exposes
// the pending result and the undo handler to the UI layer, and is torn down
// when the undo window closes or undo is invoked, whichever happens first.
type NotificationManager struct {
	ID string

	mu     sync.Mutex
	result SendResult
	err    error
	undo   func(ctx context.Context) error

	done   chan struct{} // Closed when the result (or failure) is available.
	undone chan struct{} // Closed when undo was invoked.
	closed chan struct{} // Closed on teardown.

	teardown sync.Once
	undoOnce sync.Once
}

func newNotificationManager() *NotificationManager {
	return &NotificationManager{
		ID:     uuid.NewString(),
		done:   make(chan struct{}),
		undone: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (nm *NotificationManager) complete(result SendResult, err error) {
	nm.mu.Lock()
	nm.result = result
	nm.err = err
	nm.mu.Unlock()
	close(nm.done)
}

func (nm *NotificationManager) setUndo(fn func(ctx context.Context) error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.undo = fn
}

// Done is closed once the send attempt finished (successfully or not).
func (nm *NotificationManager) Done() <-chan struct{} {
	return nm.done
}

// Result returns the outcome of the attempt. Only valid after Done is closed.
func (nm *NotificationManager) Result() (SendResult, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.result, nm.err
}

// Closed is closed when the manager is torn down, after the undo window
// elapsed or undo fired.
func (nm *NotificationManager) Closed() <-chan struct{} {
	return nm.closed
}

// Close tears the manager down, hiding the sending notification. Idempotent.
func (nm *NotificationManager) Close() {
	nm.teardown.Do(func() {
		close(nm.closed)
	})
}

// Undo cancels the delayed delivery of the sent message and re-opens the
// draft. Only valid while the undo window is active; the caller/UI guards
// that, it is not re-validated here. At most one invocation takes effect.
func (nm *NotificationManager) Undo(ctx context.Context) error {
	nm.mu.Lock()
	fn := nm.undo
	nm.mu.Unlock()
	if fn == nil {
		return nil
	}
	var err error
	nm.undoOnce.Do(func() {
		close(nm.undone)
		nm.Close()
		err = fn(ctx)
	})
	return err
}
