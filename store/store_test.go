package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ProtonMail/gluon/rfc822"

	"github.com/mjl-/pgpmail/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(mlog.New("store", nil), t.TempDir())
	tcheck(t, err, "opening store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveDraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Message{From: "me@example.org", To: []string{"to@example.org"}, Body: "hi", MIMEType: rfc822.TextPlain}
	err := s.SaveDraft(ctx, &m)
	tcheck(t, err, "saving new draft")
	if m.LocalID == "" || m.ID == 0 {
		t.Fatalf("draft not assigned identifiers: %#v", m)
	}

	// Saving again with the same LocalID updates the existing record.
	m.Body = "hi there"
	err = s.SaveDraft(ctx, &m)
	tcheck(t, err, "updating draft")
	got, err := s.MessageByLocalID(ctx, m.LocalID)
	tcheck(t, err, "fetching draft")
	tcompare(t, got.Body, "hi there")
	tcompare(t, got.ID, m.ID)

	_, err = s.MessageByLocalID(ctx, "nosuchid")
	if !errors.Is(err, ErrAbsent) {
		t.Fatalf("got err %v, expected ErrAbsent", err)
	}
}

func TestSendLock(t *testing.T) {
	s := newTestStore(t)

	err := s.SendLock("m1")
	tcheck(t, err, "claiming lock")
	err = s.SendLock("m1")
	if !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("got err %v, expected ErrSendInFlight", err)
	}
	// A different message is unaffected.
	err = s.SendLock("m2")
	tcheck(t, err, "claiming lock for other message")

	s.SendUnlock("m1")
	err = s.SendLock("m1")
	tcheck(t, err, "reclaiming released lock")
}

func TestSendingFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Message{From: "me@example.org", Body: "x"}
	err := s.SaveDraft(ctx, &m)
	tcheck(t, err, "saving draft")

	err = s.SetSending(ctx, m.LocalID, true)
	tcheck(t, err, "setting sending")
	got, err := s.MessageByLocalID(ctx, m.LocalID)
	tcheck(t, err, "fetching message")
	tcompare(t, got.Sending, true)

	err = s.SetSending(ctx, m.LocalID, false)
	tcheck(t, err, "clearing sending")
	got, err = s.MessageByLocalID(ctx, m.LocalID)
	tcheck(t, err, "fetching message")
	tcompare(t, got.Sending, false)
}

func TestApplySent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Message{From: "me@example.org", Body: "draft body", ShowEmbeddedImages: true}
	err := s.SaveDraft(ctx, &m)
	tcheck(t, err, "saving draft")

	sentTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err = s.ApplySent(ctx, m.LocalID, "srv1", "conv1", "canonical body", sentTime)
	tcheck(t, err, "applying sent state")

	got, err := s.MessageByLocalID(ctx, m.LocalID)
	tcheck(t, err, "fetching message")
	tcompare(t, got.Sent, true)
	tcompare(t, got.MessageID, "srv1")
	tcompare(t, got.ConversationID, "conv1")
	tcompare(t, got.Body, "canonical body")
	tcompare(t, got.SentTime.Equal(sentTime), true)
	tcompare(t, got.ShowEmbeddedImages, false)
}

func TestMessageKeys(t *testing.T) {
	s := newTestStore(t)

	_, err := s.MessageKeys(Message{From: "unknown@example.org"})
	if !errors.Is(err, ErrNoSenderKeys) {
		t.Fatalf("got err %v, expected ErrNoSenderKeys", err)
	}

	s.SetAccountKeys("me@example.org", MessageKeys{})
	_, err = s.MessageKeys(Message{From: "me@example.org"})
	tcheck(t, err, "getting keys for registered address")
}

func TestRecipientAddresses(t *testing.T) {
	m := Message{
		To:  []string{"a@example.org", "b@example.org"},
		Cc:  []string{"a@example.org", "c@example.org"},
		Bcc: []string{"d@example.org"},
	}
	tcompare(t, m.RecipientAddresses(), []string{"a@example.org", "b@example.org", "c@example.org", "d@example.org"})
}

func TestAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := Attachment{LocalID: "m1", Filename: "x.txt", ContentType: "text/plain", Data: []byte("hi")}
	err := s.AttachmentAdd(ctx, &a)
	tcheck(t, err, "adding attachment")
	got, err := s.AttachmentGet(ctx, a.ID)
	tcheck(t, err, "fetching attachment")
	tcompare(t, got.Data, []byte("hi"))
	tcompare(t, got.Filename, "x.txt")
}
