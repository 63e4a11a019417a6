package ecies_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/deaddrop/ecies"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	priv, pub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	for _, plaintext := range []string{
		"",
		"meet me at the usual place",
		strings.Repeat("long message ", 500),
	} {
		msg, err := ecies.Encrypt(pub, []byte(plaintext))
		require.NoError(t, err)
		assert.Equal(t, ecies.Version, msg.Version)

		got, err := ecies.Decrypt(priv, msg.EphemeralPubKey, msg.Blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got))
	}
}

func TestEphemeralKeysAreFresh(t *testing.T) {
	t.Parallel()

	_, pub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	a, err := ecies.Encrypt(pub, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := ecies.Encrypt(pub, []byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a.EphemeralPubKey, b.EphemeralPubKey)
	assert.NotEqual(t, a.Blob, b.Blob)
}

func TestPrefixedPrivateKey(t *testing.T) {
	t.Parallel()

	priv, pub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	msg, err := ecies.Encrypt(pub, []byte("hello"))
	require.NoError(t, err)

	// Ledger tooling hands out private keys with a leading 00 byte.
	got, err := ecies.Decrypt("00"+priv, msg.EphemeralPubKey, msg.Blob)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestTamperDetection(t *testing.T) {
	t.Parallel()

	priv, pub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	msg, err := ecies.Encrypt(pub, []byte("untampered plaintext"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(msg.Blob)
	require.NoError(t, err)

	// Flipping any single bit anywhere in the blob must fail decryption.
	for i := 0; i < len(raw); i++ {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01

		got, err := ecies.Decrypt(priv, msg.EphemeralPubKey, base64.StdEncoding.EncodeToString(tampered))
		require.Error(t, err, "byte %d", i)
		assert.True(t, apierr.Is(err, apierr.KindCrypto), "byte %d", i)
		assert.Nil(t, got, "byte %d", i)
	}
}

func TestWrongRecipient(t *testing.T) {
	t.Parallel()

	_, pub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)
	otherPriv, _, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	msg, err := ecies.Encrypt(pub, []byte("for someone else"))
	require.NoError(t, err)

	_, err = ecies.Decrypt(otherPriv, msg.EphemeralPubKey, msg.Blob)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindCrypto))
}

func TestMalformedInputs(t *testing.T) {
	t.Parallel()

	priv, pub, err := ecies.GenerateKeyPair()
	require.NoError(t, err)
	msg, err := ecies.Encrypt(pub, []byte("x"))
	require.NoError(t, err)

	for name, tc := range map[string]struct {
		priv, ephemeral, blob string
	}{
		"bad private key":  {"zz", msg.EphemeralPubKey, msg.Blob},
		"bad ephemeral":    {priv, "02deadbeef", msg.Blob},
		"bad base64":       {priv, msg.EphemeralPubKey, "!!not-base64!!"},
		"truncated blob":   {priv, msg.EphemeralPubKey, base64.StdEncoding.EncodeToString([]byte("short"))},
		"empty everything": {"", "", ""},
	} {
		_, err := ecies.Decrypt(tc.priv, tc.ephemeral, tc.blob)
		require.Error(t, err, name)
		assert.True(t, apierr.Is(err, apierr.KindCrypto), name)
	}
}
