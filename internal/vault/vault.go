// Package vault implements symmetric authenticated encryption for API
// credentials at rest. Ciphertext is self-describing:
//
//	v1.aesgcm.{keyEpoch}.{nonceB64}.{tagB64}.{ctB64}
//
// Each ciphertext is tagged with the key epoch that produced it, so the
// master key can rotate without re-encrypting old rows: new writes use
// the current epoch, reads accept any epoch the keyring knows.
// The vault never logs plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tradehook/internal/core"
)

const (
	versionTag = "v1"
	algoTag    = "aesgcm"
	gcmTagSize = 16
)

var b64 = base64.RawURLEncoding

// Vault holds the keyring. Read-only after construction.
type Vault struct {
	keys    map[int][]byte
	current int
}

// New builds a vault from a keyring spec. The spec is either a single
// hex-encoded 32-byte key (epoch 1), or a comma-separated list of
// "epoch:hexkey" entries; the highest epoch encrypts.
func New(keyringSpec string) (*Vault, error) {
	if keyringSpec == "" {
		return nil, fmt.Errorf("vault: master key not configured")
	}

	keys := make(map[int][]byte)
	if !strings.Contains(keyringSpec, ":") {
		key, err := decodeKey(keyringSpec)
		if err != nil {
			return nil, err
		}
		keys[1] = key
	} else {
		for _, entry := range strings.Split(keyringSpec, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("vault: malformed keyring entry %q", entry)
			}
			epoch, err := strconv.Atoi(parts[0])
			if err != nil || epoch <= 0 {
				return nil, fmt.Errorf("vault: malformed key epoch %q", parts[0])
			}
			key, err := decodeKey(parts[1])
			if err != nil {
				return nil, err
			}
			keys[epoch] = key
		}
	}

	epochs := make([]int, 0, len(keys))
	for e := range keys {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)

	return &Vault{keys: keys, current: epochs[len(epochs)-1]}, nil
}

func decodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("vault: master key is not valid hex")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// CurrentEpoch returns the epoch new ciphertexts are tagged with.
func (v *Vault) CurrentEpoch() int { return v.current }

func (v *Vault) aead(epoch int) (cipher.AEAD, error) {
	key, ok := v.keys[epoch]
	if !ok {
		return nil, fmt.Errorf("vault: unknown key epoch %d", epoch)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current key epoch.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.aead(v.current)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce generation failed: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		versionTag, algoTag, strconv.Itoa(v.current),
		b64.EncodeToString(nonce), b64.EncodeToString(tag), b64.EncodeToString(ct),
	}, "."), nil
}

// Decrypt opens a ciphertext produced under any known key epoch. Any
// string that does not begin with a recognized version tag is rejected.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ".")
	if len(parts) != 6 || parts[0] != versionTag {
		return "", fmt.Errorf("vault: unrecognized ciphertext format")
	}
	if parts[1] != algoTag {
		return "", fmt.Errorf("vault: unsupported algorithm %q", parts[1])
	}
	epoch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("vault: malformed key epoch")
	}

	aead, err := v.aead(epoch)
	if err != nil {
		return "", err
	}

	nonce, err := b64.DecodeString(parts[3])
	if err != nil || len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("vault: malformed nonce")
	}
	tag, err := b64.DecodeString(parts[4])
	if err != nil || len(tag) != gcmTagSize {
		return "", fmt.Errorf("vault: malformed auth tag")
	}
	ct, err := b64.DecodeString(parts[5])
	if err != nil {
		return "", fmt.Errorf("vault: malformed payload")
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: decryption failed")
	}
	return string(plaintext), nil
}

// EncryptCredentials seals an API credential bundle. An empty
// passphrase stays empty.
func (v *Vault) EncryptCredentials(creds *core.Credentials) (apiKey, secret, passphrase string, err error) {
	if apiKey, err = v.Encrypt(creds.APIKey); err != nil {
		return "", "", "", err
	}
	if secret, err = v.Encrypt(creds.Secret); err != nil {
		return "", "", "", err
	}
	if creds.Passphrase != "" {
		if passphrase, err = v.Encrypt(creds.Passphrase); err != nil {
			return "", "", "", err
		}
	}
	return apiKey, secret, passphrase, nil
}

// DecryptCredentials opens an API credential bundle.
func (v *Vault) DecryptCredentials(apiKeyEnc, secretEnc, passphraseEnc string) (*core.Credentials, error) {
	apiKey, err := v.Decrypt(apiKeyEnc)
	if err != nil {
		return nil, err
	}
	secret, err := v.Decrypt(secretEnc)
	if err != nil {
		return nil, err
	}
	creds := &core.Credentials{APIKey: apiKey, Secret: secret}
	if passphraseEnc != "" {
		if creds.Passphrase, err = v.Decrypt(passphraseEnc); err != nil {
			return nil, err
		}
	}
	return creds, nil
}
