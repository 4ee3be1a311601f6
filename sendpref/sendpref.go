// Package sendpref resolves the authoritative send preferences for one
// recipient address: the encryption preferences known for the address (API
// keys, pinned keys, contact settings) combined with message-level overrides
// (sign toggle, encrypt-to-outside).
package sendpref

import (
	"errors"

	"github.com/ProtonMail/gluon/rfc822"
	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// ErrNoUsableKey is set as SendPreferences.Failure when a recipient requires
// encryption but no usable key is available and the message is not
// encrypted-to-outside.
var ErrNoUsableKey = errors.New("recipient requires encryption but has no usable key")

// Scheme is the wire encoding used for a recipient's copy of the message.
type Scheme int

const (
	// No encryption. With a multipart/mixed mime type the body still carries a
	// detached signature (signed-only external delivery).
	SchemeCleartext Scheme = iota

	// End-to-end encrypted to keys advertised by the API for the address, or to
	// a shared passphrase for encrypted-to-outside recipients.
	SchemeInternal

	// PGP/Inline: plaintext-only armored encryption for external recipients.
	SchemeInline

	// PGP/MIME: full MIME structure encrypted for external recipients.
	SchemeMIME
)

func (s Scheme) String() string {
	switch s {
	case SchemeCleartext:
		return "cleartext"
	case SchemeInternal:
		return "internal"
	case SchemeInline:
		return "pgp-inline"
	case SchemeMIME:
		return "pgp-mime"
	}
	return "(unknown scheme)"
}

// EncryptionPreferences is the best-known encryption state for an address,
// from API key lookup, pinned keys and contact-level settings. Produced by the
// contact/key layer, outside the scope of this pipeline.
type EncryptionPreferences struct {
	Encrypt  bool
	Sign     bool
	Internal bool   // Address has API-advertised keys for end-to-end encryption.
	Scheme   Scheme // Preferred external scheme, SchemeInline or SchemeMIME.

	SendKey         *crypto.Key // Key selected for sending, pinned key preferred.
	IsSendKeyPinned bool
	HasAPIKeys      bool
	HasPinnedKeys   bool

	Warnings []string
	Failure  error // Set when key lookup/validation failed for a must-encrypt address.
}

// Overrides are the message-level signals influencing per-recipient
// preferences.
type Overrides struct {
	// Encrypt keyless external recipients to a shared passphrase. Implies
	// encryption and disables signing for the whole message, the outsider flow
	// uses a distinct trust model incompatible with signing.
	EncryptToOutside bool

	// User forced signing on in the composer. Can only force signing on, an
	// explicit off-override is not representable.
	Sign bool

	// MIMEType the message was composed in, text/html or text/plain.
	MIMEType rfc822.MIMEType
}

// SendPreferences is the resolved, authoritative record for one recipient.
type SendPreferences struct {
	Encrypt  bool
	Sign     bool
	Scheme   Scheme
	MIMEType rfc822.MIMEType

	// Only set for encrypted-to-outside recipients: encryption uses a shared
	// passphrase instead of public keys.
	EncryptedToOutside bool

	PublicKeys        []*crypto.Key
	IsPublicKeyPinned bool
	HasAPIKeys        bool
	HasPinnedKeys     bool

	Warnings []string
	Failure  error
}

// Resolve combines encryption preferences for an address with message-level
// overrides. Pure function: resolving the same inputs twice yields identical
// preferences. A missing key for a must-encrypt recipient sets Failure, it
// never panics; callers must check Failure before building packages.
func Resolve(prefs EncryptionPreferences, msg Overrides) SendPreferences {
	// Outsider delivery always implies encryption.
	encrypt := prefs.Encrypt || msg.EncryptToOutside

	// Signing is incompatible with the outsider flow. Otherwise the composer
	// toggle can force signing on when the contact preference is off.
	var sign bool
	if !msg.EncryptToOutside {
		sign = prefs.Sign || msg.Sign
	}

	eo := msg.EncryptToOutside && prefs.SendKey == nil

	// Scheme and mime type are recomputed from the final sign value, not the
	// original: scheme selection depends on whether a signature is embedded.
	scheme, mimeType := schemeAndMIMEType(prefs, sign, eo, msg.MIMEType)

	sp := SendPreferences{
		Encrypt:            encrypt,
		Sign:               sign,
		Scheme:             scheme,
		MIMEType:           mimeType,
		EncryptedToOutside: eo,
		IsPublicKeyPinned:  prefs.IsSendKeyPinned,
		HasAPIKeys:         prefs.HasAPIKeys,
		HasPinnedKeys:      prefs.HasPinnedKeys,
		Warnings:           prefs.Warnings,
		Failure:            prefs.Failure,
	}
	if prefs.SendKey != nil {
		sp.PublicKeys = []*crypto.Key{prefs.SendKey}
	}
	if sp.Failure == nil && encrypt && len(sp.PublicKeys) == 0 && !eo {
		sp.Failure = ErrNoUsableKey
	}
	return sp
}

// draftMIMEType returns the mime type the body was composed in, defaulting to
// text/html.
func draftMIMEType(mt rfc822.MIMEType) rfc822.MIMEType {
	if mt == rfc822.TextPlain {
		return rfc822.TextPlain
	}
	return rfc822.TextHTML
}

func schemeAndMIMEType(prefs EncryptionPreferences, sign, eo bool, msgMIME rfc822.MIMEType) (Scheme, rfc822.MIMEType) {
	if eo || prefs.Encrypt && prefs.Internal {
		// Internal and outsider recipients share one body in the mime type the
		// message was composed in.
		return SchemeInternal, draftMIMEType(msgMIME)
	}
	if prefs.Encrypt {
		if prefs.Scheme == SchemeInline {
			// Inline cannot carry MIME structure, plaintext only.
			return SchemeInline, rfc822.TextPlain
		}
		return SchemeMIME, rfc822.MultipartMixed
	}
	if sign {
		if prefs.Scheme == SchemeInline {
			return SchemeCleartext, rfc822.TextPlain
		}
		// Signed-only external delivery wraps the body and a detached signature
		// in multipart/mixed.
		return SchemeCleartext, rfc822.MultipartMixed
	}
	return SchemeCleartext, draftMIMEType(msgMIME)
}
