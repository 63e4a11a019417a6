package deaddrop

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/deaddrop/ecies"
	"github.com/textileio/market-core/metrics"
	"github.com/textileio/market-core/oracle"
	"github.com/textileio/market-core/replay"
	"github.com/textileio/market-core/sempool"
	"github.com/textileio/market-core/store"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("deaddrop")

const (
	// collection is the record store collection holding messages.
	collection = "deaddrop_messages"

	// defaultStoreFee is the fee in drops to store a message.
	defaultStoreFee = 5
	// defaultRetrieveFee is the fee in drops to retrieve a message.
	defaultRetrieveFee = 3
	// defaultExpiry is how long a stored message stays retrievable.
	defaultExpiry = time.Hour * 24 * 7
	// defaultMaxBlobSize caps the encrypted blob, in bytes.
	defaultMaxBlobSize = 8192
)

// Message is one relayed dead-drop envelope. The relay holds ciphertext and
// the sender's ephemeral public key only; it can never decrypt. Timestamps
// are epoch milliseconds.
type Message struct {
	ID                 string `json:"id"`
	FromIdentity       string `json:"fromIdentity"`
	ToIdentity         string `json:"toIdentity"`
	CiphertextBlob     string `json:"ciphertextBlob"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	ProtocolVersion    string `json:"protocolVersion"`
	StoredAt           int64  `json:"storedAt"`
	ExpiresAt          int64  `json:"expiresAt"`
	Retrieved          bool   `json:"retrieved"`
	RetrieveHash       string `json:"retrieveHash,omitempty"`
	RetrievedAt        int64  `json:"retrievedAt,omitempty"`
}

// Envelope is the blob-less view of a pending message returned by ListFor.
type Envelope struct {
	ID              string `json:"id"`
	FromIdentity    string `json:"fromIdentity"`
	ProtocolVersion string `json:"protocolVersion"`
	StoredAt        int64  `json:"storedAt"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// PaymentVerifier checks that a transaction pays at least minAmount to
// destination. Implemented by oracle.Verifier.
type PaymentVerifier interface {
	Verify(ctx context.Context, hash string, minAmount int64, destination string) (oracle.Verification, error)
}

// Config groups the fixed knobs of the relay. Destination is required; the
// rest default sanely.
type Config struct {
	// Destination is the ledger address fee payments must pay.
	Destination string
	// StoreFee is the fee in drops to store a message.
	StoreFee int64
	// RetrieveFee is the fee in drops to retrieve a message.
	RetrieveFee int64
	// Expiry is how long a stored message stays retrievable.
	Expiry time.Duration
	// MaxBlobSize caps the encrypted blob, in bytes.
	MaxBlobSize int
}

func (c Config) setDefaults() Config {
	if c.StoreFee <= 0 {
		c.StoreFee = defaultStoreFee
	}
	if c.RetrieveFee <= 0 {
		c.RetrieveFee = defaultRetrieveFee
	}
	if c.Expiry <= 0 {
		c.Expiry = defaultExpiry
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = defaultMaxBlobSize
	}
	return c
}

// Relay stores and delivers encrypted messages between ledger identities.
// It is untrusted for confidentiality: it never sees plaintext, private
// keys, or shared secrets. Each message is a single-writer resource so the
// retrieved flag flips exactly once.
type Relay struct {
	store    store.Store
	guard    *replay.Guard
	verifier PaymentVerifier
	cfg      Config
	clock    func() time.Time

	entropy   *ulid.MonotonicEntropy
	entropyLk sync.Mutex

	lks *sempool.SemaphorePool

	metricStoreTotal    metric.Int64Counter
	metricRetrieveTotal metric.Int64Counter
}

// New returns a new Relay.
func New(s store.Store, guard *replay.Guard, verifier PaymentVerifier, cfg Config) (*Relay, error) {
	if cfg.Destination == "" {
		return nil, errors.New("payment destination is required")
	}
	r := &Relay{
		store:    s,
		guard:    guard,
		verifier: verifier,
		cfg:      cfg.setDefaults(),
		clock:    time.Now,
		lks:      sempool.NewSemaphorePool(1),
	}
	r.initMetrics()
	return r, nil
}

// Store accepts an encrypted message for toIdentity, funded by the store
// fee payment txHash. The sender identity is taken from the verified payer,
// so a message cannot be planted under someone else's name. The blob and
// ephemeral key arrive already encrypted by the sender's client.
func (r *Relay) Store(
	ctx context.Context,
	txHash, toIdentity, blob, ephemeralPubKey, version string,
) (msg Message, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, r.metricStoreTotal)
	}()
	if txHash == "" || toIdentity == "" || blob == "" || ephemeralPubKey == "" {
		return Message{}, apierr.New(apierr.KindValidation,
			"transaction hash, recipient, blob, and ephemeral public key required")
	}
	if version != ecies.Version {
		return Message{}, apierr.Newf(apierr.KindValidation, "unsupported protocol version %q", version)
	}
	if len(blob) > r.cfg.MaxBlobSize {
		return Message{}, apierr.Newf(apierr.KindValidation,
			"blob exceeds %d byte limit", r.cfg.MaxBlobSize)
	}

	if err := r.guard.Consume(txHash, "deaddrop-store"); err != nil {
		return Message{}, err
	}
	v, err := r.verifier.Verify(ctx, txHash, r.cfg.StoreFee, r.cfg.Destination)
	if err != nil {
		r.releaseHash(txHash)
		return Message{}, err
	}
	if !v.Verified {
		r.releaseHash(txHash)
		return Message{}, apierr.Newf(apierr.KindAuthorization,
			"store fee of %d drops to %s not found", r.cfg.StoreFee, r.cfg.Destination)
	}

	now := r.clock()
	id, err := r.newID(now)
	if err != nil {
		r.releaseHash(txHash)
		return Message{}, err
	}
	msg = Message{
		ID:                 id,
		FromIdentity:       v.Payer,
		ToIdentity:         toIdentity,
		CiphertextBlob:     blob,
		EphemeralPublicKey: ephemeralPubKey,
		ProtocolVersion:    version,
		StoredAt:           now.UnixMilli(),
		ExpiresAt:          now.Add(r.cfg.Expiry).UnixMilli(),
	}
	if err := r.saveMessage(msg); err != nil {
		r.releaseHash(txHash)
		return Message{}, err
	}
	log.Infof("stored message %s from %s to %s", msg.ID, msg.FromIdentity, msg.ToIdentity)
	return msg, nil
}

// Retrieve delivers a stored message to its recipient, funded by the
// retrieval fee payment txHash. The payer must be the message's recipient;
// anyone else gets an authorization failure, not a not-found. Each message
// is delivered at most once and only before its expiry.
func (r *Relay) Retrieve(ctx context.Context, txHash, messageID string) (msg Message, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, r.metricRetrieveTotal)
	}()
	if txHash == "" || messageID == "" {
		return Message{}, apierr.New(apierr.KindValidation, "transaction hash and message id required")
	}
	sem := r.lks.Get(sempool.StringKey(messageID))
	sem.Acquire()
	defer sem.Release()

	msg, err = r.getMessage(messageID)
	if err != nil {
		return Message{}, err
	}

	if err := r.guard.Consume(txHash, "deaddrop-retrieve"); err != nil {
		return Message{}, err
	}
	v, err := r.verifier.Verify(ctx, txHash, r.cfg.RetrieveFee, r.cfg.Destination)
	if err != nil {
		r.releaseHash(txHash)
		return Message{}, err
	}
	if !v.Verified {
		r.releaseHash(txHash)
		return Message{}, apierr.Newf(apierr.KindAuthorization,
			"retrieval fee of %d drops to %s not found", r.cfg.RetrieveFee, r.cfg.Destination)
	}
	if v.Payer != msg.ToIdentity {
		r.releaseHash(txHash)
		return Message{}, apierr.New(apierr.KindAuthorization, "message is reserved for its recipient")
	}

	now := r.clock()
	if msg.Retrieved {
		r.releaseHash(txHash)
		return Message{}, apierr.New(apierr.KindConflict, "message already retrieved")
	}
	if now.UnixMilli() > msg.ExpiresAt {
		r.releaseHash(txHash)
		return Message{}, apierr.New(apierr.KindConflict, "message has expired")
	}

	msg.Retrieved = true
	msg.RetrieveHash = txHash
	msg.RetrievedAt = now.UnixMilli()
	if err := r.saveMessage(msg); err != nil {
		r.releaseHash(txHash)
		return Message{}, err
	}
	log.Infof("delivered message %s to %s", msg.ID, msg.ToIdentity)
	return msg, nil
}

// ListFor returns pending envelopes addressed to identity, newest first.
// Retrieved and expired messages are omitted, as are the blobs; retrieval
// is a separate paid operation.
func (r *Relay) ListFor(ctx context.Context, identity string) ([]Envelope, error) {
	if identity == "" {
		return nil, apierr.New(apierr.KindValidation, "identity required")
	}
	recs, err := r.store.ReadPage(collection, store.Query{Order: store.OrderDescending, Limit: -1})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	now := r.clock().UnixMilli()
	var envelopes []Envelope
	for _, rec := range recs {
		var msg Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling message %s: %v", rec.ID, err)
		}
		if msg.ToIdentity != identity || msg.Retrieved || now > msg.ExpiresAt {
			continue
		}
		envelopes = append(envelopes, Envelope{
			ID:              msg.ID,
			FromIdentity:    msg.FromIdentity,
			ProtocolVersion: msg.ProtocolVersion,
			StoredAt:        msg.StoredAt,
			ExpiresAt:       msg.ExpiresAt,
		})
	}
	return envelopes, nil
}

func (r *Relay) getMessage(id string) (Message, error) {
	recs, err := r.store.ReadAll(collection)
	if err != nil {
		return Message{}, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	for _, rec := range recs {
		if rec.ID != id {
			continue
		}
		var msg Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return Message{}, fmt.Errorf("unmarshaling message %s: %v", id, err)
		}
		return msg, nil
	}
	return Message{}, apierr.Newf(apierr.KindNotFound, "message %s not found", id)
}

func (r *Relay) saveMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %v", err)
	}
	if _, err := r.store.Append(collection, store.Record{ID: msg.ID, Data: data}); err != nil {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	return nil
}

func (r *Relay) releaseHash(hash string) {
	if err := r.guard.Release(hash); err != nil {
		log.Errorf("releasing %s: %v", hash, err)
	}
}

// newID returns new monotonically-increasing message ids.
func (r *Relay) newID(t time.Time) (string, error) {
	r.entropyLk.Lock() // entropy is not safe for concurrent use

	if r.entropy == nil {
		r.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), r.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		r.entropy = nil
		r.entropyLk.Unlock()
		return r.newID(t)
	} else if err != nil {
		r.entropyLk.Unlock()
		return "", fmt.Errorf("generating message id: %v", err)
	}
	r.entropyLk.Unlock()
	return strings.ToLower(id.String()), nil
}
