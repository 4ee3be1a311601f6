// Package verify classifies the trustworthiness of a sender signature on a
// received message: verified against the recipient's pinned keys for the
// sender when present, against API-advertised keys otherwise. The resulting
// status maps to a display severity, shared with the send path's trust
// taxonomy.
package verify

import (
	"fmt"

	"github.com/ProtonMail/gopenpgp/v2/constants"
	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// Status is the trust classification of a message signature.
type Status int

const (
	// No keys known for the sender, signature cannot be verified.
	StatusNoKeys Status = iota

	// Signature verified against an API-advertised key. The key was not pinned
	// by the user, so this only proves possession of a key the server vouches
	// for.
	StatusAPIKeyOnly

	// Signature verified against a key the user pinned for this sender.
	StatusPinnedMatch

	// The sender has pinned keys, but the signature did not verify against any
	// of them. Strictly more severe than an absent signature: the message claims
	// an identity the pin contradicts.
	StatusPinnedMismatch

	// A signature is present but failed verification against all available keys.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNoKeys:
		return "nokeys"
	case StatusAPIKeyOnly:
		return "apikeyonly"
	case StatusPinnedMatch:
		return "pinnedmatch"
	case StatusPinnedMismatch:
		return "pinnedmismatch"
	case StatusFailed:
		return "failed"
	}
	return "(unknown status)"
}

// Severity is the visual weight a status is displayed with.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	}
	return "(unknown severity)"
}

// Severity maps a status to its display severity. A pinned mismatch and a
// failed verification warn; an unverifiable signature is informational only.
func (s Status) Severity() Severity {
	switch s {
	case StatusPinnedMatch:
		return SeveritySuccess
	case StatusPinnedMismatch, StatusFailed:
		return SeverityWarning
	}
	return SeverityInfo
}

// Result is the outcome of classifying one message.
type Result struct {
	Status Status

	// Set when verification errored in a way worth surfacing, e.g. a malformed
	// signature. Not set for a clean mismatch.
	Err error
}

// Classify verifies the detached signature over body against the sender's
// keys and returns the trust classification. Pinned keys are authoritative:
// when any are present, only they are tried, and a signature that does not
// verify against them is a mismatch even if an API key would accept it. API
// keys are only consulted when no pin exists.
//
// A nil sig classifies as StatusNoKeys when no keys are known, as
// StatusPinnedMismatch when pinned keys demanded a signature that is absent,
// and as StatusFailed otherwise.
func Classify(body []byte, sig *crypto.PGPSignature, pinned, apiKeys []*crypto.Key) Result {
	if len(pinned) == 0 && len(apiKeys) == 0 {
		return Result{Status: StatusNoKeys}
	}

	if sig == nil {
		if len(pinned) > 0 {
			return Result{Status: StatusPinnedMismatch}
		}
		return Result{Status: StatusFailed}
	}

	keys := pinned
	match := StatusPinnedMatch
	mismatch := StatusPinnedMismatch
	if len(keys) == 0 {
		keys = apiKeys
		match = StatusAPIKeyOnly
		mismatch = StatusFailed
	}

	ring, err := publicKeyRing(keys)
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("building verification keyring: %v", err)}
	}
	err = ring.VerifyDetached(crypto.NewPlainMessage(body), sig, crypto.GetUnixTime())
	if err == nil {
		return Result{Status: match}
	}
	if serr, ok := err.(crypto.SignatureVerificationError); ok {
		switch serr.Status {
		case constants.SIGNATURE_NOT_SIGNED:
			if len(pinned) > 0 {
				return Result{Status: StatusPinnedMismatch}
			}
			return Result{Status: StatusFailed}
		case constants.SIGNATURE_NO_VERIFIER:
			// Signed, but not by any of these keys.
			return Result{Status: mismatch}
		}
	}
	return Result{Status: StatusFailed, Err: err}
}

// DecryptVerify decrypts a received message body with the recipient's private
// keyring, verifies its embedded signature and classifies the result in one
// step. The decrypted plaintext is returned alongside the classification; a
// decryption failure returns an error and no result.
func DecryptVerify(ciphertext []byte, decrypter *crypto.KeyRing, pinned, apiKeys []*crypto.Key) ([]byte, Result, error) {
	if len(pinned) == 0 && len(apiKeys) == 0 {
		msg, err := decrypter.Decrypt(crypto.NewPGPMessage(ciphertext), nil, 0)
		if err != nil {
			return nil, Result{}, fmt.Errorf("decrypt: %v", err)
		}
		return msg.GetBinary(), Result{Status: StatusNoKeys}, nil
	}

	keys := pinned
	match := StatusPinnedMatch
	mismatch := StatusPinnedMismatch
	if len(keys) == 0 {
		keys = apiKeys
		match = StatusAPIKeyOnly
		mismatch = StatusFailed
	}

	ring, err := publicKeyRing(keys)
	if err != nil {
		return nil, Result{}, fmt.Errorf("building verification keyring: %v", err)
	}
	msg, err := decrypter.Decrypt(crypto.NewPGPMessage(ciphertext), ring, crypto.GetUnixTime())
	if err == nil {
		return msg.GetBinary(), Result{Status: match}, nil
	}

	serr, ok := err.(crypto.SignatureVerificationError)
	if !ok {
		return nil, Result{}, fmt.Errorf("decrypt: %v", err)
	}
	// Decryption succeeded, only the signature check failed. Decrypt again
	// without verification to get the plaintext for display.
	msg, derr := decrypter.Decrypt(crypto.NewPGPMessage(ciphertext), nil, 0)
	if derr != nil {
		return nil, Result{}, fmt.Errorf("decrypt: %v", derr)
	}
	r := Result{Status: StatusFailed, Err: err}
	switch serr.Status {
	case constants.SIGNATURE_NOT_SIGNED:
		r.Err = nil
		if len(pinned) > 0 {
			r.Status = StatusPinnedMismatch
		}
	case constants.SIGNATURE_NO_VERIFIER:
		r.Status = mismatch
		r.Err = nil
	}
	return msg.GetBinary(), r, nil
}

func publicKeyRing(keys []*crypto.Key) (*crypto.KeyRing, error) {
	ring, err := crypto.NewKeyRing(nil)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		// Pinned and API-advertised keys are public already, ToPublic errors on
		// those.
		pub := k
		if k.IsPrivate() {
			var perr error
			pub, perr = k.ToPublic()
			if perr != nil {
				return nil, perr
			}
		}
		if err := ring.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return ring, nil
}
