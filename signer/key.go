package signer

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/ssh"
)

type (
	// Key signs tokens in process. The private key never leaves the struct.
	Key struct {
		private interface{}
		public  crypto.PublicKey
	}
)

var (
	errUnsupportedKey = errors.New("signer: unsupported key type")
)

// LoadKey reads a private key from path. OpenSSH and PEM encoded ed25519,
// ecdsa and rsa keys are accepted, as well as a raw secp256k1 scalar
// encoded as 64 hex characters.
func LoadKey(path string) (*Key, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: unable to read key file %v, cause %w", path, err)
	}
	return ParseKey(buf)
}

func ParseKey(buf []byte) (*Key, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == hex.EncodedLen(btcec.PrivKeyBytesLen) {
		raw, err := hex.DecodeString(string(trimmed))
		if err == nil {
			priv, pub := btcec.PrivKeyFromBytes(raw)
			return &Key{private: priv, public: pub}, nil
		}
	}
	parsed, err := ssh.ParseRawPrivateKey(trimmed)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("signer: encrypted keys are not supported")
		}
		return nil, fmt.Errorf("signer: unable to parse key, cause %w", err)
	}
	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return &Key{private: *k, public: k.Public()}, nil
	case ed25519.PrivateKey:
		return &Key{private: k, public: k.Public()}, nil
	case *ecdsa.PrivateKey:
		return &Key{private: k, public: &k.PublicKey}, nil
	case *rsa.PrivateKey:
		return &Key{private: k, public: &k.PublicKey}, nil
	}
	return nil, fmt.Errorf("%w: %T", errUnsupportedKey, parsed)
}

func (k *Key) PublicKey() crypto.PublicKey {
	return k.public
}

func (k *Key) Sign(ctx context.Context, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, Fail(token, err)
	}
	digest := sha256.Sum256([]byte(token))
	switch priv := k.private.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(priv, []byte(token)), nil
	case *ecdsa.PrivateKey:
		sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
		if err != nil {
			return nil, Fail(token, err)
		}
		return sig, nil
	case *rsa.PrivateKey:
		sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
		if err != nil {
			return nil, Fail(token, err)
		}
		return sig, nil
	case *btcec.PrivateKey:
		return btcecdsa.Sign(priv, digest[:]).Serialize(), nil
	}
	return nil, Fail(token, errUnsupportedKey)
}

// Verify checks sig against token using a public key returned by
// Key.PublicKey.
func Verify(pub crypto.PublicKey, token string, sig []byte) bool {
	digest := sha256.Sum256([]byte(token))
	switch pub := pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(pub, []byte(token), sig)
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	case *btcec.PublicKey:
		parsed, err := btcecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		return parsed.Verify(digest[:], pub)
	}
	return false
}
