// Package api implements the request/response contract with the mail API
// server: submitting encrypted message packages, canceling a delayed send and
// resyncing client state.
//
// The wire types below are the output of the package builder/encryptor. Bodies
// and key packets are opaque byte blobs, their binary layout is defined by the
// OpenPGP layer.
package api

import (
	"time"
)

// PackageType identifies the delivery scheme of a (sub)package. The type of a
// top-level package is the union of the types of its sub-packages.
type PackageType int

const (
	TypeInternal         PackageType = 1  // End-to-end encrypted to recipient keys.
	TypeEncryptedOutside PackageType = 2  // Encrypted to a shared passphrase for a recipient without keys.
	TypeCleartext        PackageType = 4  // No encryption.
	TypePGPInline        PackageType = 8  // PGP/Inline to external recipient keys.
	TypePGPMIME          PackageType = 16 // PGP/MIME to external recipient keys.
	TypeClearMIME        PackageType = 32 // Cleartext full MIME, for signed-only external delivery.
)

// SubPackage holds the per-recipient part of a package: the session key
// wrapped for this recipient, or passphrase-derived key material for
// encrypted-to-outside delivery.
type SubPackage struct {
	Type PackageType

	// Session key of the owning package, encrypted to this recipient's public key,
	// or to the shared passphrase for encrypted-to-outside recipients. Absent for
	// cleartext recipients.
	BodyKeyPacket []byte `json:",omitempty"`

	// Whether the package body carries a signature by the sender for this
	// recipient's verification model.
	Signature bool

	// Hint for the shared passphrase, only for encrypted-to-outside recipients.
	PasswordHint string `json:",omitempty"`

	// Key packets for each attachment, by attachment ID. Only for schemes that
	// encrypt attachments separately from the body.
	AttachmentKeyPackets map[string][]byte `json:",omitempty"`
}

// Package is a top-level package: one rendered body shared by all recipients
// using the same scheme, plus per-recipient sub-packages keyed by address.
type Package struct {
	Type     PackageType
	MIMEType string // "text/html", "text/plain" or "multipart/mixed".

	// Rendered message body. Ciphertext (OpenPGP data packet, encrypted under the
	// package session key) unless the package is cleartext.
	Body []byte

	Addresses map[string]*SubPackage
}

// SendRequest is the submit request for a fully encrypted message.
type SendRequest struct {
	Packages []*Package

	// Seconds until the message expires and is deleted for the recipient, if
	// greater than zero.
	ExpiresIn int `json:",omitempty"`

	// Seconds the server must delay delivery, leaving a window in which
	// CancelSend can still stop it.
	DelaySeconds int `json:",omitempty"`
}

// Message is the server's canonical representation of a sent message.
type Message struct {
	ID             string
	ConversationID string
	Subject        string
	Body           string // Canonical stored body, encrypted to the sender's own key.
	Time           int64  // Unix seconds.
}

// SendResponse is the success response for a submit request.
type SendResponse struct {
	Sent         Message
	DeliveryTime int64 // Unix seconds at which the server will deliver.
}

// Delivery returns DeliveryTime as a time.Time.
func (r SendResponse) Delivery() time.Time {
	return time.Unix(r.DeliveryTime, 0)
}
