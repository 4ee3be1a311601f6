package send

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ProtonMail/gluon/rfc822"

	"github.com/mjl-/pgpmail/api"
	"github.com/mjl-/pgpmail/sendpref"
	"github.com/mjl-/pgpmail/store"
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

func internalPrefs() sendpref.SendPreferences {
	return sendpref.SendPreferences{
		Encrypt:  true,
		Sign:     true,
		Scheme:   sendpref.SchemeInternal,
		MIMEType: rfc822.TextHTML,
	}
}

func cleartextPrefs() sendpref.SendPreferences {
	return sendpref.SendPreferences{
		Scheme:   sendpref.SchemeCleartext,
		MIMEType: rfc822.TextHTML,
	}
}

func TestTopPackagesGrouping(t *testing.T) {
	m := store.Message{To: []string{"a@example.org", "b@example.org"}, Cc: []string{"c@example.com"}}
	mapPrefs := map[string]sendpref.SendPreferences{
		"a@example.org": internalPrefs(),
		"b@example.org": internalPrefs(),
		"c@example.com": cleartextPrefs(),
	}

	// Two internal recipients share a package, the cleartext recipient gets its
	// own. Order follows first-seen recipient order.
	pkgs, err := TopPackages(m, mapPrefs)
	tcheck(t, err, "building top packages")
	tcompare(t, len(pkgs), 2)
	tcompare(t, pkgs[0].MIMEType, "text/html")
	tcompare(t, pkgs[1].MIMEType, "text/html")

	err = AttachSubPackages(pkgs, m, m.RecipientAddresses(), mapPrefs)
	tcheck(t, err, "attaching sub-packages")
	tcompare(t, len(pkgs[0].Addresses), 2)
	tcompare(t, len(pkgs[1].Addresses), 1)
	tcompare(t, pkgs[0].Type, api.TypeInternal)
	tcompare(t, pkgs[1].Type, api.TypeCleartext)
	tcompare(t, pkgs[0].Addresses["a@example.org"].Signature, true)
	tcompare(t, pkgs[1].Addresses["c@example.com"].Signature, false)
}

func TestTopPackagesFailure(t *testing.T) {
	m := store.Message{To: []string{"a@example.org", "b@example.org"}}
	bad := internalPrefs()
	bad.Failure = sendpref.ErrNoUsableKey
	mapPrefs := map[string]sendpref.SendPreferences{
		"a@example.org": internalPrefs(),
		"b@example.org": bad,
	}

	// One unresolved recipient fails the whole build, no partial packages.
	pkgs, err := TopPackages(m, mapPrefs)
	if err == nil || !errors.Is(err, sendpref.ErrNoUsableKey) {
		t.Fatalf("got err %v, expected ErrNoUsableKey", err)
	}
	tcompare(t, len(pkgs), 0)

	// Missing preferences for a recipient fail too.
	delete(mapPrefs, "b@example.org")
	_, err = TopPackages(m, mapPrefs)
	if err == nil {
		t.Fatalf("expected error for recipient without preferences")
	}

	// No recipients at all.
	_, err = TopPackages(store.Message{}, nil)
	if err == nil {
		t.Fatalf("expected error for message without recipients")
	}
}

func TestAttachSubPackagesCoverage(t *testing.T) {
	m := store.Message{To: []string{"a@example.org"}}
	mapPrefs := map[string]sendpref.SendPreferences{"a@example.org": internalPrefs()}
	pkgs, err := TopPackages(m, mapPrefs)
	tcheck(t, err, "building top packages")

	// An address appearing twice is a coverage violation.
	err = AttachSubPackages(pkgs, m, []string{"a@example.org", "a@example.org"}, mapPrefs)
	if !errors.Is(err, ErrRecipientCoverage) {
		t.Fatalf("got err %v, expected ErrRecipientCoverage", err)
	}

	// A recipient group without a matching package is a coverage violation.
	pkgs, err = TopPackages(m, mapPrefs)
	tcheck(t, err, "building top packages")
	mapPrefs["b@example.com"] = cleartextPrefs()
	err = AttachSubPackages(pkgs, m, []string{"a@example.org", "b@example.com"}, mapPrefs)
	if !errors.Is(err, ErrRecipientCoverage) {
		t.Fatalf("got err %v, expected ErrRecipientCoverage", err)
	}
}

func TestSubPackageTypes(t *testing.T) {
	eo := sendpref.SendPreferences{Encrypt: true, Scheme: sendpref.SchemeInternal, EncryptedToOutside: true, MIMEType: rfc822.TextHTML}
	tcompare(t, subPackageType(eo), api.TypeEncryptedOutside)

	inline := sendpref.SendPreferences{Encrypt: true, Scheme: sendpref.SchemeInline, MIMEType: rfc822.TextPlain}
	tcompare(t, subPackageType(inline), api.TypePGPInline)

	mime := sendpref.SendPreferences{Encrypt: true, Scheme: sendpref.SchemeMIME, MIMEType: rfc822.MultipartMixed}
	tcompare(t, subPackageType(mime), api.TypePGPMIME)

	clearMIME := sendpref.SendPreferences{Sign: true, Scheme: sendpref.SchemeCleartext, MIMEType: rfc822.MultipartMixed}
	tcompare(t, subPackageType(clearMIME), api.TypeClearMIME)
}

func TestOutsiderSubPackage(t *testing.T) {
	m := store.Message{
		To:             []string{"in@example.org", "out@example.com"},
		EOPassword:     "hunter2",
		EOPasswordHint: "usual one",
	}
	eo := sendpref.SendPreferences{Encrypt: true, Scheme: sendpref.SchemeInternal, EncryptedToOutside: true, MIMEType: rfc822.TextHTML}
	mapPrefs := map[string]sendpref.SendPreferences{
		"in@example.org":  internalPrefs(),
		"out@example.com": eo,
	}

	// Internal and outsider recipients share one package body, the outsider
	// sub-package carries the password hint and no signature.
	pkgs, err := TopPackages(m, mapPrefs)
	tcheck(t, err, "building top packages")
	tcompare(t, len(pkgs), 1)
	err = AttachSubPackages(pkgs, m, m.RecipientAddresses(), mapPrefs)
	tcheck(t, err, "attaching sub-packages")
	tcompare(t, pkgs[0].Type, api.TypeInternal|api.TypeEncryptedOutside)
	tcompare(t, pkgs[0].Addresses["out@example.com"].PasswordHint, "usual one")
	tcompare(t, pkgs[0].Addresses["out@example.com"].Signature, false)
	tcompare(t, pkgs[0].Addresses["in@example.org"].PasswordHint, "")
}
