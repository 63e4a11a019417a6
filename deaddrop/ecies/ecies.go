// Package ecies implements the dead-drop message encryption scheme:
// ECIES over secp256k1 with AES-256-GCM.
//
// The sender generates a single-use ephemeral key pair, derives a shared
// point with the recipient's ledger signing key via ECDH, hashes the point's
// x coordinate into a symmetric key, and seals the plaintext with a fresh
// nonce. The recipient recomputes the same key from its private key and the
// ephemeral public key. The relay only ever handles the sealed blob and the
// ephemeral public key.
//
// Everything here is pure and safe for concurrent use. No function logs or
// returns key material or partial plaintext on failure.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/textileio/market-core/apierr"
)

// Version identifies the wire format produced by Encrypt. Stored alongside
// each message so the scheme can evolve without breaking old blobs.
const Version = "ecies-secp256k1-aes256gcm-v1"

const (
	nonceSize      = 12
	compressedSize = 33
	privateKeySize = 32
)

// EncryptedMessage is the sender-side result handed to the relay.
type EncryptedMessage struct {
	// Blob is base64(nonce ‖ ciphertext ‖ auth tag).
	Blob string
	// EphemeralPubKey is the hex-encoded compressed ephemeral public key
	// the recipient needs to recompute the shared secret.
	EphemeralPubKey string
	Version         string
}

// Encrypt seals plaintext for the holder of recipientPubKeyHex, a compressed
// secp256k1 public key in hex. The ephemeral private key never leaves this
// function and is zeroed before it returns, so a later compromise of any
// long-lived key cannot decrypt the message.
func Encrypt(recipientPubKeyHex string, plaintext []byte) (EncryptedMessage, error) {
	recipientPub, err := parsePubKey(recipientPubKeyHex)
	if err != nil {
		return EncryptedMessage{}, err
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return EncryptedMessage{}, apierr.Wrap(apierr.KindCrypto, err, "generating ephemeral key")
	}
	defer ephemeral.Zero()
	ephemeralPub := ephemeral.PubKey().SerializeCompressed()

	gcm, err := newAEAD(ephemeral, recipientPub)
	if err != nil {
		return EncryptedMessage{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedMessage{}, apierr.Wrap(apierr.KindCrypto, err, "generating nonce")
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return EncryptedMessage{
		Blob:            base64.StdEncoding.EncodeToString(sealed),
		EphemeralPubKey: hex.EncodeToString(ephemeralPub),
		Version:         Version,
	}, nil
}

// Decrypt opens a blob produced by Encrypt using the recipient's private key
// and the sender's ephemeral public key. Any tampering with the blob fails
// authentication and returns an error; no partial plaintext is ever
// returned.
func Decrypt(privKeyHex, ephemeralPubKeyHex, blob string) ([]byte, error) {
	priv, err := parsePrivKey(privKeyHex)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	ephemeralPub, err := parsePubKey(ephemeralPubKeyHex)
	if err != nil {
		return nil, err
	}

	gcm, err := newAEAD(priv, ephemeralPub)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(sealed) < nonceSize+gcm.Overhead() {
		return nil, apierr.New(apierr.KindCrypto, "malformed message blob")
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, apierr.New(apierr.KindCrypto, "decryption failed")
	}
	return plaintext, nil
}

// GenerateKeyPair returns a fresh hex-encoded secp256k1 key pair. Intended
// for client tooling and tests; identities on the ledger already have one.
func GenerateKeyPair() (privHex, pubHex string, err error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindCrypto, err, "generating key pair")
	}
	defer priv.Zero()
	return hex.EncodeToString(priv.Serialize()), hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}

// newAEAD derives the AES-256-GCM cipher both parties arrive at: the SHA-256
// hash of the shared point's x coordinate keys the cipher.
func newAEAD(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) (cipher.AEAD, error) {
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCrypto, err, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCrypto, err, "creating gcm")
	}
	return gcm, nil
}

func parsePubKey(pubKeyHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(raw) != compressedSize {
		return nil, apierr.New(apierr.KindCrypto, "malformed public key")
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, apierr.New(apierr.KindCrypto, "malformed public key")
	}
	return pub, nil
}

func parsePrivKey(privKeyHex string) (*secp256k1.PrivateKey, error) {
	// Ledger tooling prefixes secp256k1 private keys with a 00 byte.
	if len(privKeyHex) == 2*(privateKeySize+1) && strings.HasPrefix(privKeyHex, "00") {
		privKeyHex = privKeyHex[2:]
	}
	raw, err := hex.DecodeString(privKeyHex)
	if err != nil || len(raw) != privateKeySize {
		return nil, apierr.New(apierr.KindCrypto, "malformed private key")
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}
