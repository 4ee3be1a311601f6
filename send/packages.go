package send

import (
	"errors"
	"fmt"

	"github.com/ProtonMail/gluon/rfc822"

	"github.com/mjl-/pgpmail/api"
	"github.com/mjl-/pgpmail/sendpref"
	"github.com/mjl-/pgpmail/store"
)

var (
	// ErrRecipientCoverage is a builder invariant violation: a recipient address
	// matched zero or more than one top package, or appeared twice.
	ErrRecipientCoverage = errors.New("recipient not covered by exactly one package")

	// ErrEncrypt wraps errors from the OpenPGP layer while encrypting packages.
	ErrEncrypt = errors.New("encrypting packages")

	// ErrSubmit wraps network/server errors from submitting a message.
	ErrSubmit = errors.New("submitting message")

	// ErrCancel wraps errors from an undo request rejected by the server.
	ErrCancel = errors.New("canceling send")
)

// group identifies recipients that can share one top package and its body
// ciphertext.
type group struct {
	scheme   sendpref.Scheme
	mimeType rfc822.MIMEType
	encrypt  bool
}

func groupKey(sp sendpref.SendPreferences) group {
	return group{sp.Scheme, sp.MIMEType, sp.Encrypt}
}

// subPackageType maps resolved preferences to the wire type of a recipient's
// sub-package. Exhaustive over schemes, a new scheme is a compile-visible
// addition here.
func subPackageType(sp sendpref.SendPreferences) api.PackageType {
	switch sp.Scheme {
	case sendpref.SchemeInternal:
		if sp.EncryptedToOutside {
			return api.TypeEncryptedOutside
		}
		return api.TypeInternal
	case sendpref.SchemeInline:
		return api.TypePGPInline
	case sendpref.SchemeMIME:
		return api.TypePGPMIME
	case sendpref.SchemeCleartext:
		if sp.MIMEType == rfc822.MultipartMixed {
			return api.TypeClearMIME
		}
		return api.TypeCleartext
	}
	panic(fmt.Sprintf("missing case for scheme %v", sp.Scheme))
}

// TopPackages builds the unsent top-level packages for a message: one per
// distinct (scheme, mime type, encrypt) combination over the resolved
// preferences, so recipients with a compatible scheme share a single body
// ciphertext. Cleartext recipients always form their own group. Packages come
// out in first-recipient order, without bodies or sub-packages yet.
//
// If any recipient has a resolution failure, that failure is returned and no
// packages are built: no partial packages for a message with an unresolved
// recipient.
func TopPackages(m store.Message, mapPrefs map[string]sendpref.SendPreferences) ([]*api.Package, error) {
	addrs := m.RecipientAddresses()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	for _, addr := range addrs {
		sp, ok := mapPrefs[addr]
		if !ok {
			return nil, fmt.Errorf("no resolved send preferences for %s", addr)
		}
		if sp.Failure != nil {
			return nil, fmt.Errorf("resolving send preferences for %s: %w", addr, sp.Failure)
		}
	}

	var pkgs []*api.Package
	seen := map[group]bool{}
	for _, addr := range addrs {
		sp := mapPrefs[addr]
		g := groupKey(sp)
		if seen[g] {
			continue
		}
		seen[g] = true
		pkgs = append(pkgs, &api.Package{
			MIMEType:  string(g.mimeType),
			Addresses: map[string]*api.SubPackage{},
		})
	}
	return pkgs, nil
}

// AttachSubPackages inserts a sub-package for every address into the matching
// top package: the recipient's wire type, signature marker and, for
// encrypted-to-outside recipients, the password hint. Each address must end up
// in exactly one top package; anything else fails fast with
// ErrRecipientCoverage. The top package type becomes the union of its
// sub-package types.
func AttachSubPackages(pkgs []*api.Package, m store.Message, addresses []string, mapPrefs map[string]sendpref.SendPreferences) error {
	// TopPackages created one package per group, in first-seen recipient order.
	// Recompute that order to match addresses to packages, verifying the
	// correspondence still holds.
	gindex := map[group]int{}
	for _, addr := range addresses {
		sp, ok := mapPrefs[addr]
		if !ok {
			return fmt.Errorf("%w: no preferences for %s", ErrRecipientCoverage, addr)
		}
		g := groupKey(sp)
		if _, ok := gindex[g]; !ok {
			gindex[g] = len(gindex)
		}
	}
	if len(gindex) != len(pkgs) {
		return fmt.Errorf("%w: %d recipient groups for %d packages", ErrRecipientCoverage, len(gindex), len(pkgs))
	}

	for _, addr := range addresses {
		sp := mapPrefs[addr]
		pkg := pkgs[gindex[groupKey(sp)]]
		if string(sp.MIMEType) != pkg.MIMEType {
			return fmt.Errorf("%w: %s matched package with wrong mime type", ErrRecipientCoverage, addr)
		}
		if _, ok := pkg.Addresses[addr]; ok {
			return fmt.Errorf("%w: duplicate address %s", ErrRecipientCoverage, addr)
		}
		st := subPackageType(sp)
		sub := &api.SubPackage{
			Type:      st,
			Signature: sp.Sign,
		}
		if sp.EncryptedToOutside {
			sub.PasswordHint = m.EOPasswordHint
		}
		pkg.Addresses[addr] = sub
		pkg.Type |= st
	}
	return nil
}
