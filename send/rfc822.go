package send

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-pgpmail"

	"github.com/mjl-/pgpmail/api"
	"github.com/mjl-/pgpmail/message"
	"github.com/mjl-/pgpmail/store"
)

// EncryptedRFC822 renders an encrypted PGP/MIME package as a complete
// standards-compliant multipart/encrypted message for the given recipients:
// what a receiving MTA sees for the PGP/MIME scheme. The cleartext MIME
// entity is re-rendered and encrypted to the recipient keys directly, the
// package session key is not reused outside the package.
func EncryptedRFC822(m store.Message, pkg *api.Package, entity []byte, to []*crypto.Key, signer *crypto.KeyRing) ([]byte, error) {
	if pkg.Type&api.TypePGPMIME == 0 {
		return nil, fmt.Errorf("package is not pgp/mime")
	}

	// Address headers and subject are written first, pgpmail appends the
	// multipart/encrypted content headers to the same header block.
	var buf bytes.Buffer
	xc := message.NewComposer(&buf, 0, false)
	xc.Header("Date", time.Now().Format(time.RFC1123Z))
	xc.HeaderAddrs("From", nameAddrs([]string{m.From}))
	xc.HeaderAddrs("To", nameAddrs(m.To))
	xc.HeaderAddrs("Cc", nameAddrs(m.Cc))
	if m.Subject != "" {
		xc.Subject(m.Subject)
	}
	xc.Flush()

	var rcpts []*openpgp.Entity
	for _, k := range to {
		rcpts = append(rcpts, k.GetEntity())
	}
	var signEntity *openpgp.Entity
	if signer != nil {
		sk, err := signer.GetKey(0)
		if err != nil {
			return nil, fmt.Errorf("signer key: %v", err)
		}
		signEntity = sk.GetEntity()
	}

	var h textproto.Header
	w, err := pgpmail.Encrypt(&buf, h, rcpts, signEntity, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %v", err)
	}
	if _, err := w.Write(entity); err != nil {
		return nil, fmt.Errorf("writing entity: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finishing encrypted message: %v", err)
	}
	return buf.Bytes(), nil
}

func nameAddrs(addrs []string) []message.NameAddress {
	var l []message.NameAddress
	for _, a := range addrs {
		if a != "" {
			l = append(l, message.NameAddress{Address: a})
		}
	}
	return l
}
