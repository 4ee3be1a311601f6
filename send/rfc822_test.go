package send

import (
	"strings"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/mjl-/pgpmail/api"
	"github.com/mjl-/pgpmail/store"
)

func TestEncryptedRFC822(t *testing.T) {
	sender := testKey(t, "sender", "sender@example.org")
	rcpt := testKey(t, "rcpt", "rcpt@example.org")

	m := store.Message{From: "sender@example.org", To: []string{"rcpt@example.org"}, Subject: "hello"}
	pkg := &api.Package{Type: api.TypePGPMIME, MIMEType: "multipart/mixed"}
	entity := []byte("Content-Type: text/plain\r\n\r\nhi\r\n")

	rcptPub, err := rcpt.ToPublic()
	tcheck(t, err, "recipient public key")
	msg, err := EncryptedRFC822(m, pkg, entity, []*crypto.Key{rcptPub}, testRing(t, sender))
	tcheck(t, err, "rendering encrypted message")

	got := string(msg)
	for _, want := range []string{"multipart/encrypted", "application/pgp-encrypted", "BEGIN PGP MESSAGE", "Subject: hello", "To: <rcpt@example.org>", "From: <sender@example.org>"} {
		if !strings.Contains(got, want) {
			t.Fatalf("encrypted message missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "text/plain\r\n\r\nhi") {
		t.Fatalf("plaintext leaked into encrypted message:\n%s", got)
	}

	// Non-PGP/MIME packages are rejected.
	_, err = EncryptedRFC822(m, &api.Package{Type: api.TypeCleartext}, entity, []*crypto.Key{rcptPub}, nil)
	if err == nil {
		t.Fatalf("expected error for non-pgp/mime package")
	}
}
