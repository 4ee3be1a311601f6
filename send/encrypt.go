package send

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/ProtonMail/gluon/rfc822"
	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/mjl-/pgpmail/api"
	"github.com/mjl-/pgpmail/message"
	"github.com/mjl-/pgpmail/sendpref"
	"github.com/mjl-/pgpmail/store"
)

// AttachmentCache gives access to attachment bytes for rendering MIME bodies.
// *store.Store implements it.
type AttachmentCache interface {
	AttachmentGet(ctx context.Context, id int64) (store.Attachment, error)
}

// EncryptPackages transforms built packages in place into wire-ready
// ciphertext: per package the body is rendered once for its mime type, signed
// with the sender key when any sub-package requires a signature, and encrypted
// under a fresh per-package session key. Then every sub-package gets that
// session key wrapped under the recipient's public key, or derived from the
// shared passphrase for encrypted-to-outside recipients.
//
// Body encryption happens before sub-package key wrapping: the session key
// must exist first, and all sub-packages of one package see the identical
// session key. Packages do not share mutable state and are processed
// independently.
//
// A maxSize greater than zero limits the size of each rendered body,
// message.ErrMessageSize (wrapped in ErrEncrypt) when exceeded.
func EncryptPackages(ctx context.Context, m store.Message, keys store.MessageKeys, mapPrefs map[string]sendpref.SendPreferences, attachments AttachmentCache, maxSize int64, pkgs []*api.Package) error {
	for _, pkg := range pkgs {
		if err := encryptPackage(ctx, m, keys, mapPrefs, attachments, maxSize, pkg); err != nil {
			return fmt.Errorf("%w: %v", ErrEncrypt, err)
		}
	}
	return nil
}

func encryptPackage(ctx context.Context, m store.Message, keys store.MessageKeys, mapPrefs map[string]sendpref.SendPreferences, attachments AttachmentCache, maxSize int64, pkg *api.Package) error {
	signed := false
	encrypted := pkg.Type&(api.TypeInternal|api.TypeEncryptedOutside|api.TypePGPInline|api.TypePGPMIME) != 0
	for _, sub := range pkg.Addresses {
		if sub.Signature {
			signed = true
		}
	}

	body, err := renderBody(ctx, m, rfc822.MIMEType(pkg.MIMEType), attachments, maxSize)
	if err != nil {
		return fmt.Errorf("rendering body: %v", err)
	}

	if !encrypted {
		if signed {
			body, err = signedCleartextBody(body, keys.Signer, rfc822.MIMEType(pkg.MIMEType))
			if err != nil {
				return fmt.Errorf("signing cleartext body: %v", err)
			}
		}
		pkg.Body = body
		return nil
	}

	sk, err := crypto.GenerateSessionKey()
	if err != nil {
		return fmt.Errorf("generating session key: %v", err)
	}

	plain := crypto.NewPlainMessage(body)
	var data []byte
	if signed {
		data, err = sk.EncryptAndSign(plain, keys.Signer)
	} else {
		data, err = sk.Encrypt(plain)
	}
	if err != nil {
		return fmt.Errorf("encrypting body: %v", err)
	}
	pkg.Body = data

	// Wrap the session key per recipient. All sub-packages of this package get
	// the same session key, wrapped differently.
	for addr, sub := range pkg.Addresses {
		switch {
		case sub.Type == api.TypeEncryptedOutside:
			kp, err := crypto.EncryptSessionKeyWithPassword(sk, []byte(m.EOPassword))
			if err != nil {
				return fmt.Errorf("wrapping session key for outsider %s: %v", addr, err)
			}
			sub.BodyKeyPacket = kp
		case sub.Type == api.TypeCleartext || sub.Type == api.TypeClearMIME:
			// Mixed cleartext recipients in an encrypted package would be a builder
			// bug, the grouping keeps encrypt in the key.
			return fmt.Errorf("cleartext sub-package %s in encrypted package", addr)
		default:
			sp := mapPrefs[addr]
			ring, err := recipientKeyRing(sp.PublicKeys)
			if err != nil {
				return fmt.Errorf("recipient keyring for %s: %v", addr, err)
			}
			kp, err := ring.EncryptSessionKey(sk)
			if err != nil {
				return fmt.Errorf("wrapping session key for %s: %v", addr, err)
			}
			sub.BodyKeyPacket = kp
		}
	}
	return nil
}

func recipientKeyRing(keys []*crypto.Key) (*crypto.KeyRing, error) {
	ring, err := crypto.NewKeyRing(nil)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		// Keys from the preference layer are usually public already, ToPublic
		// errors on those.
		pub := k
		if k.IsPrivate() {
			pub, err = k.ToPublic()
			if err != nil {
				return nil, err
			}
		}
		if err := ring.AddKey(pub); err != nil {
			return nil, err
		}
	}
	if ring.CountEntities() == 0 {
		return nil, fmt.Errorf("no keys")
	}
	return ring, nil
}

// renderBody renders the message body for one package: the composed html or
// plaintext source, or the full MIME structure with attachments for
// multipart/mixed packages. Rendered once per package, shared by all its
// recipients.
func renderBody(ctx context.Context, m store.Message, mt rfc822.MIMEType, attachments AttachmentCache, maxSize int64) ([]byte, error) {
	switch mt {
	case rfc822.TextHTML:
		return []byte(m.Body), nil
	case rfc822.TextPlain:
		if m.MIMEType == rfc822.TextPlain {
			return []byte(m.Body), nil
		}
		return []byte(htmlToText(m.Body)), nil
	case rfc822.MultipartMixed:
		return renderMIMEBody(ctx, m, attachments, maxSize)
	}
	return nil, fmt.Errorf("unknown package mime type %q", mt)
}

// renderMIMEBody builds a multipart/mixed MIME entity with the text part and
// all attachments, for PGP/MIME and signed cleartext MIME packages.
func renderMIMEBody(ctx context.Context, m store.Message, attachments AttachmentCache, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	xc := message.NewComposer(&buf, maxSize, false)
	var rerr error
	func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			if err, ok := x.(error); ok {
				rerr = err
				return
			}
			panic(x)
		}()

		mp := multipart.NewWriter(xc)
		xc.Header("MIME-Version", "1.0")
		xc.Header("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mp.Boundary()))
		xc.Line()

		subtype := "plain"
		text := m.Body
		if m.MIMEType != rfc822.TextPlain {
			subtype = "html"
		}
		textBody, ct, cte := xc.TextPart(subtype, text)
		textHdr := textproto.MIMEHeader{}
		textHdr.Set("Content-Type", ct)
		textHdr.Set("Content-Transfer-Encoding", cte)
		tp, err := mp.CreatePart(textHdr)
		xc.Checkf(err, "adding text part")
		_, err = tp.Write(textBody)
		xc.Checkf(err, "writing text part")

		for _, id := range m.AttachmentIDs {
			a, err := attachments.AttachmentGet(ctx, id)
			xc.Checkf(err, "attachment %d", id)

			filename := a.Filename
			if filename == "" {
				filename = "unnamed.bin"
			}
			ct := a.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			ahdr := textproto.MIMEHeader{}
			ahdr.Set("Content-Type", mime.FormatMediaType(ct, map[string]string{"name": filename}))
			ahdr.Set("Content-Transfer-Encoding", "base64")
			ahdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
			ap, err := mp.CreatePart(ahdr)
			xc.Checkf(err, "adding attachment part")
			writeBase64(xc, ap, a.Data)
		}

		err = mp.Close()
		xc.Checkf(err, "closing multipart")
		xc.Flush()
	}()
	if rerr != nil {
		return nil, rerr
	}
	return buf.Bytes(), nil
}

// writeBase64 writes data base64-encoded in lines of 76 characters.
func writeBase64(xc *message.Composer, w io.Writer, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := min(len(enc), 76)
		var line string
		line, enc = enc[:n], enc[n:]
		_, err := io.WriteString(w, line+"\r\n")
		xc.Checkf(err, "writing attachment")
	}
}

// signedCleartextBody wraps a rendered body and a detached armored signature
// by the sender in a multipart/signed entity, for signed-only external
// delivery.
func signedCleartextBody(body []byte, signer *crypto.KeyRing, mt rfc822.MIMEType) ([]byte, error) {
	sig, err := signer.SignDetached(crypto.NewPlainMessage(body))
	if err != nil {
		return nil, err
	}
	armored, err := sig.GetArmored()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/signed; micalg=pgp-sha256; protocol=\"application/pgp-signature\"; boundary=%s\r\n\r\n", strconv.Quote(mp.Boundary()))

	bh := textproto.MIMEHeader{}
	content := body
	if mt == rfc822.MultipartMixed {
		// Body is a full MIME entity, lift its headers into the part header.
		h, rest, err := splitEntity(body)
		if err != nil {
			return nil, fmt.Errorf("parsing rendered mime entity: %v", err)
		}
		bh = h
		content = rest
	} else {
		bh.Set("Content-Type", string(mt)+"; charset=utf-8")
	}
	bw, err := mp.CreatePart(bh)
	if err != nil {
		return nil, err
	}
	if _, err := bw.Write(content); err != nil {
		return nil, err
	}

	sh := textproto.MIMEHeader{}
	sh.Set("Content-Type", "application/pgp-signature")
	sw, err := mp.CreatePart(sh)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(sw, armored); err != nil {
		return nil, err
	}
	if err := mp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// splitEntity splits a MIME entity into its headers and content.
func splitEntity(b []byte) (textproto.MIMEHeader, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(b))
	h, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return nil, nil, err
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, err
	}
	return h, rest, nil
}

var (
	htmlTags   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]*>`)
	htmlBreaks = regexp.MustCompile(`(?i)<(br\s*/?|/p|/div)>`)
)

// htmlToText is a minimal conversion of an html body to plaintext, for
// recipients whose scheme cannot carry html (PGP/Inline).
func htmlToText(s string) string {
	s = htmlBreaks.ReplaceAllString(s, "\n")
	s = htmlTags.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	return strings.TrimSpace(s)
}
