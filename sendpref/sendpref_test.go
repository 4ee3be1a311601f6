package sendpref

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ProtonMail/gluon/rfc822"
	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func testKey(t *testing.T) *crypto.Key {
	t.Helper()
	k, err := crypto.GenerateKey("test", "test@example.org", "x25519", 0)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return k
}

func TestResolveOutsider(t *testing.T) {
	// Outsider delivery forces encryption on and signing off, regardless of the
	// contact's sign preference.
	prefs := EncryptionPreferences{Sign: true}
	sp := Resolve(prefs, Overrides{EncryptToOutside: true, Sign: true, MIMEType: rfc822.TextHTML})
	tcompare(t, sp.Encrypt, true)
	tcompare(t, sp.Sign, false)
	tcompare(t, sp.EncryptedToOutside, true)
	tcompare(t, sp.Scheme, SchemeInternal)
	tcompare(t, sp.MIMEType, rfc822.TextHTML)
	if sp.Failure != nil {
		tcompare(t, sp.Failure, nil)
	}

	// An outsider override with a usable key is not outsider delivery: the key
	// wins and the recipient encrypts normally.
	key := testKey(t)
	prefs = EncryptionPreferences{Encrypt: true, Internal: true, SendKey: key, HasAPIKeys: true}
	sp = Resolve(prefs, Overrides{EncryptToOutside: true, MIMEType: rfc822.TextHTML})
	tcompare(t, sp.EncryptedToOutside, false)
	tcompare(t, sp.Scheme, SchemeInternal)
	tcompare(t, len(sp.PublicKeys), 1)
}

func TestResolveMissingKey(t *testing.T) {
	// Must-encrypt without a key and without the outsider flag is a failure
	// marker, not a panic.
	sp := Resolve(EncryptionPreferences{Encrypt: true}, Overrides{MIMEType: rfc822.TextHTML})
	if !errors.Is(sp.Failure, ErrNoUsableKey) {
		t.Fatalf("got failure %v, expected ErrNoUsableKey", sp.Failure)
	}

	// A lookup failure from the preference layer passes through unchanged.
	lookupErr := errors.New("key lookup failed")
	sp = Resolve(EncryptionPreferences{Encrypt: true, Failure: lookupErr}, Overrides{})
	tcompare(t, sp.Failure, lookupErr)
}

func TestResolveScheme(t *testing.T) {
	key := testKey(t)

	// External encrypted, inline preference: plaintext only.
	sp := Resolve(EncryptionPreferences{Encrypt: true, Scheme: SchemeInline, SendKey: key}, Overrides{MIMEType: rfc822.TextHTML})
	tcompare(t, sp.Scheme, SchemeInline)
	tcompare(t, sp.MIMEType, rfc822.TextPlain)

	// External encrypted, mime preference: full structure.
	sp = Resolve(EncryptionPreferences{Encrypt: true, Scheme: SchemeMIME, SendKey: key}, Overrides{MIMEType: rfc822.TextHTML})
	tcompare(t, sp.Scheme, SchemeMIME)
	tcompare(t, sp.MIMEType, rfc822.MultipartMixed)

	// Signed-only external delivery: cleartext with the signature wrapped in
	// multipart/mixed. The composer toggle forces signing on.
	sp = Resolve(EncryptionPreferences{Scheme: SchemeMIME}, Overrides{Sign: true, MIMEType: rfc822.TextHTML})
	tcompare(t, sp.Encrypt, false)
	tcompare(t, sp.Sign, true)
	tcompare(t, sp.Scheme, SchemeCleartext)
	tcompare(t, sp.MIMEType, rfc822.MultipartMixed)

	// Plain cleartext keeps the composed mime type.
	sp = Resolve(EncryptionPreferences{}, Overrides{MIMEType: rfc822.TextPlain})
	tcompare(t, sp.Scheme, SchemeCleartext)
	tcompare(t, sp.MIMEType, rfc822.TextPlain)
}

func TestResolvePure(t *testing.T) {
	// Resolving the same inputs twice yields identical preferences.
	prefs := EncryptionPreferences{Encrypt: true, Sign: true, Internal: true, SendKey: testKey(t), HasAPIKeys: true, Warnings: []string{"expired subkey"}}
	ovr := Overrides{Sign: true, MIMEType: rfc822.TextHTML}
	tcompare(t, Resolve(prefs, ovr), Resolve(prefs, ovr))
}
