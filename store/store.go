// Package store keeps the local message and attachment records for the send
// pipeline in a bstore database: draft messages being composed, their
// attachment bytes, and the transient sending state of a message.
//
// The message record is mutated through this package only, with single-writer
// discipline per message: the coordinator marks a message sending, applies the
// server's canonical sent representation, and always restores sending=false,
// all as separate transactional writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ProtonMail/gluon/rfc822"
	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/mjl-/pgpmail/mlog"
)

var (
	ErrAbsent       = bstore.ErrAbsent
	ErrSendInFlight = errors.New("message already has a send attempt in flight")
	ErrNoSenderKeys = errors.New("no keys available for sender address")
)

// DBTypes are the types stored in the database.
var DBTypes = []any{Message{}, Attachment{}}

// Message is a local message record. Drafts are saved here before a send
// attempt; after a successful send the record is updated with the server's
// canonical sent representation.
type Message struct {
	ID int64

	// Client-generated identifier, stable across draft saves and send attempts.
	LocalID string `bstore:"nonzero,unique"`

	// Server-assigned identifier, set once the draft is persisted remotely.
	MessageID string `bstore:"index"`

	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	// Composed body source, text/html or text/plain per MIMEType.
	Body     string
	MIMEType rfc822.MIMEType

	AttachmentIDs []int64

	// Seconds until the message expires for the recipient, 0 for no expiration.
	ExpiresIn int

	// Shared passphrase for encrypted-to-outside delivery. A non-empty password
	// marks the message as encrypted-to-outside for keyless recipients.
	EOPassword     string
	EOPasswordHint string

	// Transient flag, true only while a send attempt is in flight. Mutually
	// exclusive with editing.
	Sending bool

	// Transient display flag, cleared when the sent representation is applied.
	ShowEmbeddedImages bool

	Sent           bool
	ConversationID string
	SentTime       time.Time

	Created time.Time `bstore:"default now"`
}

// RecipientAddresses returns the unique recipient addresses of the message,
// To, Cc and Bcc combined, in first-seen order.
func (m Message) RecipientAddresses() []string {
	var l []string
	seen := map[string]bool{}
	for _, addrs := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				l = append(l, a)
			}
		}
	}
	return l
}

// Attachment holds uploaded attachment bytes for a draft.
type Attachment struct {
	ID          int64
	LocalID     string `bstore:"nonzero,index"` // LocalID of owning message.
	Filename    string
	ContentType string
	Data        []byte
}

// MessageKeys is the sender key material for one send attempt: the unlocked
// private keyring for signing and decrypting, and the public keyring the
// sender's own copy is encrypted to.
type MessageKeys struct {
	Signer    *crypto.KeyRing
	Encrypter *crypto.KeyRing
}

// Store gives access to the local database.
type Store struct {
	DB *bstore.DB

	log mlog.Log

	sync.Mutex
	inflight    map[string]bool        // LocalID of messages with a send attempt in flight.
	accountKeys map[string]MessageKeys // Sender address to unlocked keys.
}

// Open opens or creates the database in dir.
func Open(log mlog.Log, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating data dir: %v", err)
	}
	p := filepath.Join(dir, "pgpmail.db")
	db, err := bstore.Open(context.Background(), p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open database: %v", err)
	}
	return &Store{
		DB:          db,
		log:         log,
		inflight:    map[string]bool{},
		accountKeys: map[string]MessageKeys{},
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	err := s.DB.Close()
	s.DB = nil
	return err
}

// SetAccountKeys registers unlocked keys for a sender address. Keys are held
// in memory only, never written to the database.
func (s *Store) SetAccountKeys(address string, keys MessageKeys) {
	s.Lock()
	defer s.Unlock()
	s.accountKeys[address] = keys
}

// MessageKeys returns the sender keys for a message, failing when no keys are
// registered for its from address.
func (s *Store) MessageKeys(m Message) (MessageKeys, error) {
	s.Lock()
	defer s.Unlock()
	keys, ok := s.accountKeys[m.From]
	if !ok {
		return MessageKeys{}, fmt.Errorf("%w: %s", ErrNoSenderKeys, m.From)
	}
	return keys, nil
}

// SendLock claims the one-send-attempt-per-message slot for a message.
// Callers must release it with SendUnlock on every exit path.
func (s *Store) SendLock(localID string) error {
	s.Lock()
	defer s.Unlock()
	if s.inflight[localID] {
		return ErrSendInFlight
	}
	s.inflight[localID] = true
	return nil
}

// SendUnlock releases the send slot for a message.
func (s *Store) SendUnlock(localID string) {
	s.Lock()
	defer s.Unlock()
	delete(s.inflight, localID)
}

// SaveDraft persists a draft message, inserting it with a fresh LocalID when
// new, updating the existing record otherwise.
func (s *Store) SaveDraft(ctx context.Context, m *Message) error {
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		em, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{LocalID: m.LocalID}).Get()
		if err == bstore.ErrAbsent {
			return tx.Insert(m)
		} else if err != nil {
			return err
		}
		m.ID = em.ID
		m.Created = em.Created
		return tx.Update(m)
	})
}

// MessageByLocalID returns the message with the given LocalID.
func (s *Store) MessageByLocalID(ctx context.Context, localID string) (Message, error) {
	return bstore.QueryDB[Message](ctx, s.DB).FilterNonzero(Message{LocalID: localID}).Get()
}

// AttachmentAdd stores attachment bytes for a draft.
func (s *Store) AttachmentAdd(ctx context.Context, a *Attachment) error {
	return s.DB.Insert(ctx, a)
}

// AttachmentGet returns the attachment bytes for an attachment ID.
func (s *Store) AttachmentGet(ctx context.Context, id int64) (Attachment, error) {
	a := Attachment{ID: id}
	err := s.DB.Get(ctx, &a)
	return a, err
}

// SetSending sets the transient sending flag of a message.
func (s *Store) SetSending(ctx context.Context, localID string, sending bool) error {
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{LocalID: localID}).Get()
		if err != nil {
			return err
		}
		m.Sending = sending
		return tx.Update(&m)
	})
}

// ApplySent updates a message with the server's canonical sent representation
// and clears transient display flags.
func (s *Store) ApplySent(ctx context.Context, localID, messageID, conversationID, body string, sentTime time.Time) error {
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{LocalID: localID}).Get()
		if err != nil {
			return err
		}
		m.MessageID = messageID
		m.ConversationID = conversationID
		if body != "" {
			m.Body = body
		}
		m.Sent = true
		m.SentTime = sentTime
		m.ShowEmbeddedImages = false
		return tx.Update(&m)
	})
}
