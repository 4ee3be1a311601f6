// Package send implements the outbound pipeline: building per-scheme packages
// for a message, encrypting them, submitting them to the API server, and
// coordinating the delayed-delivery undo window.
package send

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/pgpmail/api"
	"github.com/mjl-/pgpmail/config"
	"github.com/mjl-/pgpmail/mlog"
	"github.com/mjl-/pgpmail/sendpref"
	"github.com/mjl-/pgpmail/store"
)

var pkglog = mlog.New("send", nil)

var (
	metricSubmission = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgpmail_submission_total",
			Help: "Messages submitted for delivery, per result.",
		},
		[]string{
			// "ok", "drafterror", "keyerror", "preferror", "coverageerror",
			// "encrypterror", "submiterror".
			"result",
		},
	)
	metricCancel = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgpmail_cancel_total",
			Help: "Undo requests for delayed sends, per result.",
		},
		[]string{
			"result", // "ok", "error".
		},
	)
)

// xcheckf checks err and panics with a *sherpa.Error (code "server:error") if
// set. The panic is caught at the top of Send and returned as the error.
func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

// xcheckuserf is like xcheckf, but with code "user:error" for errors the user
// can act on.
func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err, slog.String("code", "user:error"))
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

func logPanic(ctx context.Context) {
	x := recover()
	if x == nil {
		return
	}
	pkglog.WithContext(ctx).Error("recover from panic", slog.Any("panic", x))
	debug.PrintStack()
}

// ComposeData is what the composer needs to re-open a draft after a failed or
// undone send.
type ComposeData struct {
	LocalID string
	Data    store.Message
}

// Opener re-opens the composer for a draft. Called when a send attempt failed
// or was undone.
type Opener func(draft ComposeData)

// Options modify a single send attempt.
type Options struct {
	// The draft was already persisted by the caller, skip saving it again before
	// the attempt.
	AlreadySaved bool

	// Force signing on for all recipients, regardless of their contact
	// preference.
	Sign bool
}

// Sender coordinates send attempts: it owns the transition of a message
// through sending to sent, submits the encrypted packages, and manages the
// undo window for delayed delivery.
type Sender struct {
	Client   api.Client
	Store    *store.Store
	Config   config.Static
	Open     Opener   // Optional.
	Notifier Notifier // Optional.

	// For tests. If nil, time.Now.
	Now func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sender) minNotification() time.Duration {
	return time.Duration(s.Config.MinNotificationMillis) * time.Millisecond
}

// Send runs one complete send attempt for a message: persist the draft, mark
// it sending, resolve preferences, build and encrypt packages, submit, and
// open the undo window. At most one attempt per message runs at a time.
//
// On failure the message is restored to an editable draft, re-opened in the
// composer, and the error returned. On success the returned
// NotificationManager carries the result and the undo handler; it is torn
// down automatically when the undo window closes.
//
// Whatever happens, the sending flag is cleared and server state re-fetched
// before Send returns, also when ctx was canceled midway.
func (s *Sender) Send(ctx context.Context, m store.Message, encPrefs map[string]sendpref.EncryptionPreferences, opts Options) (nm *NotificationManager, rerr error) {
	log := pkglog.WithContext(ctx)

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(*sherpa.Error)
		if !ok {
			panic(x)
		}
		nm = nil
		rerr = err
	}()

	// Persist the draft first: the attempt must run against stored state, and a
	// failed attempt must leave a draft to re-open. A failed save re-opens the
	// composed content too, it must not be lost.
	if !opts.AlreadySaved || m.LocalID == "" {
		err := s.Store.SaveDraft(ctx, &m)
		if err != nil {
			metricSubmission.WithLabelValues("drafterror").Inc()
			s.reopenDraft(m.LocalID, m)
		}
		xcheckf(ctx, err, "saving draft before sending")
	}
	localID := m.LocalID
	origData := m

	err := s.Store.SendLock(localID)
	xcheckuserf(ctx, err, "starting send attempt")
	defer s.Store.SendUnlock(localID)

	// A failure below this point re-opens the draft in the composer.
	defer func() {
		if x := recover(); x != nil {
			s.reopenDraft(localID, origData)
			panic(x)
		}
	}()

	err = s.Store.SetSending(ctx, localID, true)
	xcheckf(ctx, err, "marking message as sending")
	defer func() {
		// Must happen on every exit path, including cancellation and panics: the
		// message may not stay locked in the sending state, and local caches must
		// be refreshed to pick up whatever state the server ended up in.
		cctx := context.WithoutCancel(ctx)
		err := s.Store.SetSending(cctx, localID, false)
		log.Check(err, "clearing sending flag after attempt")
		err = s.Client.Call(cctx)
		log.Check(err, "refreshing server state after attempt")
	}()

	keys, err := s.Store.MessageKeys(m)
	if err != nil {
		metricSubmission.WithLabelValues("keyerror").Inc()
	}
	xcheckuserf(ctx, err, "getting sender keys")

	// Resolve authoritative preferences per recipient, freshly for this attempt:
	// keys or contact settings may have changed since the previous one.
	ovr := sendpref.Overrides{
		EncryptToOutside: m.EOPassword != "",
		Sign:             opts.Sign,
		MIMEType:         m.MIMEType,
	}
	addrs := m.RecipientAddresses()
	mapPrefs := map[string]sendpref.SendPreferences{}
	for _, addr := range addrs {
		ep, ok := encPrefs[addr]
		if !ok {
			metricSubmission.WithLabelValues("preferror").Inc()
			xcheckuserf(ctx, fmt.Errorf("no encryption preferences for %s", addr), "resolving send preferences")
		}
		mapPrefs[addr] = sendpref.Resolve(ep, ovr)
	}

	pkgs, err := TopPackages(m, mapPrefs)
	if err != nil {
		metricSubmission.WithLabelValues("preferror").Inc()
	}
	xcheckuserf(ctx, err, "building packages")

	err = AttachSubPackages(pkgs, m, addrs, mapPrefs)
	if err != nil {
		metricSubmission.WithLabelValues("coverageerror").Inc()
	}
	xcheckf(ctx, err, "attaching recipient sub-packages")

	err = EncryptPackages(ctx, m, keys, mapPrefs, s.Store, s.Config.MaxMessageSize, pkgs)
	if err != nil {
		metricSubmission.WithLabelValues("encrypterror").Inc()
	}
	xcheckf(ctx, err, "encrypting packages")

	req := api.SendRequest{
		Packages:     pkgs,
		ExpiresIn:    m.ExpiresIn,
		DelaySeconds: s.Config.DelaySendSeconds,
	}
	resp, err := s.Client.MessageSend(ctx, wireID(m), req)
	if err != nil {
		metricSubmission.WithLabelValues("submiterror").Inc()
		if serr, ok := err.(*sherpa.Error); ok {
			log.Errorx("submitting message", err)
			panic(serr)
		}
		err = fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	xcheckf(ctx, err, "submitting message")
	metricSubmission.WithLabelValues("ok").Inc()
	log.Debug("message submitted", slog.String("messageid", resp.Sent.ID), slog.Int64("deliverytime", resp.DeliveryTime))

	// The message is on its way, remaining bookkeeping failures no longer fail
	// the send.
	cctx := context.WithoutCancel(ctx)
	err = s.Store.ApplySent(cctx, localID, resp.Sent.ID, resp.Sent.ConversationID, resp.Sent.Body, time.Unix(resp.Sent.Time, 0))
	log.Check(err, "updating local message with sent state")

	// The undo window runs until the server's delivery time, but stays open for
	// at least the configured minimum so the notification doesn't just flash by
	// when the server reports near-immediate delivery.
	undoWindow := resp.Delivery().Sub(s.now())
	if min := s.minNotification(); undoWindow < min {
		undoWindow = min
	}
	hasUndo := s.Config.DelaySendSeconds > 0

	nm = newNotificationManager()
	if hasUndo {
		nm.setUndo(s.undoFunc(localID, origData))
	}
	nm.complete(SendResult{Sent: resp.Sent, DeliveryTime: resp.Delivery(), UndoWindow: undoWindow}, nil)

	go s.watchWindow(nm, undoWindow, hasUndo)

	return nm, nil
}

// wireID is the identifier the server knows the message by: the
// server-assigned ID once the draft was persisted remotely, the stable local
// ID otherwise.
func wireID(m store.Message) string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.LocalID
}

// watchWindow hides the sending notification when the display window elapses,
// and for delayed sends refreshes server state once delivery should have
// happened. Undo tears the manager down first and wins.
func (s *Sender) watchWindow(nm *NotificationManager, display time.Duration, hasUndo bool) {
	defer logPanic(context.Background())

	t := time.NewTimer(display)
	defer t.Stop()
	select {
	case <-t.C:
	case <-nm.undone:
		return
	}
	nm.Close()

	if hasUndo {
		// Give the server a moment past the delivery time to finalize, then pick
		// up the delivered message.
		time.Sleep(time.Duration(s.Config.PostSendRefreshMillis) * time.Millisecond)
		err := s.Client.Call(context.Background())
		pkglog.Check(err, "refreshing server state after delayed delivery")
	}
}

// undoFunc returns the undo handler for one sent message: cancel the delayed
// delivery server-side and restore the message to an editable draft.
func (s *Sender) undoFunc(localID string, origData store.Message) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		log := pkglog.WithContext(ctx)

		saved, err := s.Store.MessageByLocalID(ctx, localID)
		if err != nil {
			metricCancel.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: looking up sent message: %v", ErrCancel, err)
		}
		// Cancel by the server-assigned ID of the message that was actually sent.
		if err := s.Client.CancelSend(ctx, saved.MessageID); err != nil {
			metricCancel.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: %v", ErrCancel, err)
		}
		metricCancel.WithLabelValues("ok").Inc()
		log.Info("delayed send canceled", slog.String("messageid", saved.MessageID))

		if s.Notifier != nil {
			s.Notifier.Notification("Sending undone")
		}
		err = s.Client.Call(ctx)
		log.Check(err, "refreshing server state after undo")

		s.reopenDraft(localID, origData)
		return nil
	}
}

func (s *Sender) reopenDraft(localID string, data store.Message) {
	if s.Open != nil {
		s.Open(ComposeData{LocalID: localID, Data: data})
	}
}
