// Package crypto implements per-file AES-256-GCM encryption with versioned
// per-vault keys, and the SHA-256 content hashing used to detect drift
// between the local cache and the remote object (spec §4.2, §6).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// ivSize is the GCM standard nonce length.
const ivSize = 12

// KeyVersion identifies one generation of a vault's encryption key, so a
// key rotation does not invalidate objects encrypted under the prior one.
type KeyVersion uint32

// VaultKeyring holds every key version a vault has ever used. Version 0
// is never issued; the zero value means "no key loaded."
type VaultKeyring struct {
	Current KeyVersion
	keys    map[KeyVersion][]byte
}

// NewKeyring builds a keyring from a version-to-32-byte-key map.
func NewKeyring(keys map[KeyVersion][]byte, current KeyVersion) (*VaultKeyring, error) {
	for v, k := range keys {
		if len(k) != 32 {
			return nil, vherrors.New(vherrors.CodeInvalidArgument, "vault key must be 32 bytes").
				WithComponent("crypto").WithDetail("version", v)
		}
	}
	if _, ok := keys[current]; !ok {
		return nil, vherrors.New(vherrors.CodeInvalidArgument, "current key version not present in keyring").
			WithComponent("crypto")
	}
	return &VaultKeyring{Current: current, keys: keys}, nil
}

func (k *VaultKeyring) keyFor(version KeyVersion) ([]byte, error) {
	key, ok := k.keys[version]
	if !ok {
		return nil, vherrors.New(vherrors.CodeIntegrityError, "unknown key version").
			WithComponent("crypto").WithDetail("version", version)
	}
	return key, nil
}

// Sealed is the on-disk/on-wire representation of an encrypted file body:
// key version, random IV, and the GCM-sealed ciphertext (tag included).
type Sealed struct {
	KeyVersion KeyVersion
	IV         []byte
	Ciphertext []byte
}

// Seal encrypts plaintext under the keyring's current key version with a
// fresh random 12-byte IV.
func (k *VaultKeyring) Seal(plaintext []byte) (*Sealed, error) {
	key, err := k.keyFor(k.Current)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, vherrors.New(vherrors.CodeFatal, "failed to generate IV").
			WithComponent("crypto").WithCause(err)
	}

	ciphertext := gcm.Seal(nil, iv, plaintext, nil)
	return &Sealed{KeyVersion: k.Current, IV: iv, Ciphertext: ciphertext}, nil
}

// Open decrypts a Sealed body using whichever key version it was sealed
// under, so old objects remain readable across a key rotation.
func (k *VaultKeyring) Open(s *Sealed) ([]byte, error) {
	key, err := k.keyFor(s.KeyVersion)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.IV) != ivSize {
		return nil, vherrors.New(vherrors.CodeIntegrityError, "invalid IV length").
			WithComponent("crypto")
	}

	plaintext, err := gcm.Open(nil, s.IV, s.Ciphertext, nil)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeIntegrityError, "AEAD authentication failed").
			WithComponent("crypto").WithCause(err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeFatal, "failed to construct AES cipher").
			WithComponent("crypto").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeFatal, "failed to construct GCM mode").
			WithComponent("crypto").WithCause(err)
	}
	return gcm, nil
}

// ContentHash returns the lowercase-hex SHA-256 digest of data, used to
// compare a cached object's content against the remote object's
// x-amz-meta-content-hash record without re-encrypting it.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a fresh random 32-byte AES-256 key, for use when
// provisioning a vault or rotating its keyring.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, vherrors.New(vherrors.CodeFatal, "failed to generate vault key").
			WithComponent("crypto").WithCause(err)
	}
	return key, nil
}
