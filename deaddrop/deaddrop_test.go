package deaddrop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	badger "github.com/textileio/go-ds-badger3"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/deaddrop/ecies"
	"github.com/textileio/market-core/oracle"
	"github.com/textileio/market-core/replay"
	"github.com/textileio/market-core/store"
)

const testDest = "rMerchantDestinationAddress"

func TestStore(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)
	now := time.Now()
	setClock(r, now)

	v.pay("tx1", "rSender", 5)
	msg, err := r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "rSender", msg.FromIdentity)
	assert.Equal(t, "rRecipient", msg.ToIdentity)
	assert.Equal(t, now.UnixMilli(), msg.StoredAt)
	assert.Equal(t, now.Add(defaultExpiry).UnixMilli(), msg.ExpiresAt)
	assert.False(t, msg.Retrieved)
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)
	v.pay("tx1", "rSender", 5)

	_, err := r.Store(context.Background(), "tx1", "", "blob", "02aabb", ecies.Version)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))

	_, err = r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", "ecies-v0")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))

	huge := make([]byte, defaultMaxBlobSize+1)
	_, err = r.Store(context.Background(), "tx1", "rRecipient", string(huge), "02aabb", ecies.Version)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))

	// None of the rejections consumed the hash.
	_, err = r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.NoError(t, err)
}

func TestStoreInsufficientFee(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)

	v.pay("tx1", "rSender", 4)
	_, err := r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuthorization))

	// The hash was released and works once topped up.
	v.pay("tx1", "rSender", 5)
	_, err = r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.NoError(t, err)

	// But never twice.
	_, err = r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindConflict))
}

func TestRetrieve(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)
	now := time.Now()
	setClock(r, now)

	v.pay("tx1", "rSender", 5)
	msg, err := r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.NoError(t, err)

	// A paying non-recipient is refused, not told the message is absent.
	v.pay("feeEve", "rEve", 3)
	_, err = r.Retrieve(context.Background(), "feeEve", msg.ID)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuthorization))

	// The recipient succeeds exactly once.
	v.pay("fee1", "rRecipient", 3)
	got, err := r.Retrieve(context.Background(), "fee1", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob", got.CiphertextBlob)
	assert.Equal(t, "02aabb", got.EphemeralPublicKey)
	assert.True(t, got.Retrieved)
	assert.Equal(t, "fee1", got.RetrieveHash)

	v.pay("fee2", "rRecipient", 3)
	_, err = r.Retrieve(context.Background(), "fee2", msg.ID)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindConflict))

	_, err = r.Retrieve(context.Background(), "fee2", "nope")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestRetrieveExpired(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)
	now := time.Now()
	setClock(r, now)

	v.pay("tx1", "rSender", 5)
	msg, err := r.Store(context.Background(), "tx1", "rRecipient", "blob", "02aabb", ecies.Version)
	require.NoError(t, err)

	setClock(r, now.Add(defaultExpiry+time.Second))
	v.pay("fee1", "rRecipient", 3)
	_, err = r.Retrieve(context.Background(), "fee1", msg.ID)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindConflict))
}

func TestListFor(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)
	now := time.Now()
	setClock(r, now)

	v.pay("tx1", "rSender", 5)
	first, err := r.Store(context.Background(), "tx1", "rRecipient", "blob1", "02aa", ecies.Version)
	require.NoError(t, err)
	v.pay("tx2", "rSender", 5)
	second, err := r.Store(context.Background(), "tx2", "rRecipient", "blob2", "02bb", ecies.Version)
	require.NoError(t, err)
	v.pay("tx3", "rSender", 5)
	_, err = r.Store(context.Background(), "tx3", "rOther", "blob3", "02cc", ecies.Version)
	require.NoError(t, err)

	envelopes, err := r.ListFor(context.Background(), "rRecipient")
	require.NoError(t, err)
	require.Len(t, envelopes, 2)

	// Newest first, no blobs.
	assert.Equal(t, second.ID, envelopes[0].ID)
	assert.Equal(t, first.ID, envelopes[1].ID)
	assert.Equal(t, "rSender", envelopes[0].FromIdentity)

	// A retrieved message drops off the pending list.
	v.pay("fee1", "rRecipient", 3)
	_, err = r.Retrieve(context.Background(), "fee1", first.ID)
	require.NoError(t, err)

	envelopes, err = r.ListFor(context.Background(), "rRecipient")
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, second.ID, envelopes[0].ID)
}

// TestEndToEnd walks the full sender-to-recipient path: encrypt against the
// recipient's key, relay the blob, retrieve, and decrypt. The relay only
// ever sees ciphertext.
func TestEndToEnd(t *testing.T) {
	t.Parallel()
	r, v := newRelay(t)

	recipientPriv, recipientPub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("meet at the old pier at midnight")
	enc, err := ecies.Encrypt(recipientPub, plaintext)
	require.NoError(t, err)

	v.pay("tx1", "rSender", 5)
	msg, err := r.Store(context.Background(), "tx1", "rRecipient", enc.Blob, enc.EphemeralPubKey, enc.Version)
	require.NoError(t, err)
	assert.NotContains(t, msg.CiphertextBlob, string(plaintext))

	v.pay("fee1", "rRecipient", 3)
	got, err := r.Retrieve(context.Background(), "fee1", msg.ID)
	require.NoError(t, err)

	decrypted, err := ecies.Decrypt(recipientPriv, got.EphemeralPublicKey, got.CiphertextBlob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

type fakeVerifier struct {
	payments map[string]oracle.Verification
}

func (f *fakeVerifier) pay(hash, payer string, amount int64) {
	f.payments[hash] = oracle.Verification{Verified: true, Payer: payer, Amount: amount}
}

func (f *fakeVerifier) Verify(
	_ context.Context,
	hash string,
	minAmount int64,
	_ string,
) (oracle.Verification, error) {
	v, ok := f.payments[hash]
	if !ok || v.Amount < minAmount {
		return oracle.Verification{}, nil
	}
	return v, nil
}

func newRelay(t *testing.T) (*Relay, *fakeVerifier) {
	t.Helper()
	dstore, err := badger.NewDatastore(t.TempDir(), &badger.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dstore.Close())
	})
	v := &fakeVerifier{payments: make(map[string]oracle.Verification)}
	r, err := New(store.NewDatastore(dstore), replay.New(dstore), v, Config{Destination: testDest})
	require.NoError(t, err)
	return r, v
}

func setClock(r *Relay, now time.Time) {
	r.clock = func() time.Time { return now }
}
