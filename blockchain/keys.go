package blockchain

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Stellar strkey version bytes
const (
	versionAccountID byte = 6 << 3
	versionSeed      byte = 18 << 3
)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	ErrInvalidStrkey = errors.New("invalid strkey")
	ErrChecksum      = errors.New("strkey checksum mismatch")
)

// crc16 computes CRC16-XModem as used by strkey
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func encodeStrkey(version byte, payload []byte) string {
	raw := make([]byte, 0, 1+len(payload)+2)
	raw = append(raw, version)
	raw = append(raw, payload...)
	sum := make([]byte, 2)
	binary.LittleEndian.PutUint16(sum, crc16(raw))
	raw = append(raw, sum...)
	return strkeyEncoding.EncodeToString(raw)
}

func decodeStrkey(version byte, s string) ([]byte, error) {
	raw, err := strkeyEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrkey, err)
	}
	if len(raw) != 35 || raw[0] != version {
		return nil, ErrInvalidStrkey
	}
	body, sum := raw[:33], raw[33:]
	if binary.LittleEndian.Uint16(sum) != crc16(body) {
		return nil, ErrChecksum
	}
	return body[1:], nil
}

// EncodeAddress returns the G… address of an ed25519 public key
func EncodeAddress(pub ed25519.PublicKey) string {
	return encodeStrkey(versionAccountID, pub)
}

// EncodeSeed returns the S… secret seed of an ed25519 private key
func EncodeSeed(priv ed25519.PrivateKey) string {
	return encodeStrkey(versionSeed, priv.Seed())
}

// DecodeAddress returns the ed25519 public key of a G… address
func DecodeAddress(address string) (ed25519.PublicKey, error) {
	b, err := decodeStrkey(versionAccountID, address)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

// Keyring holds the signing keys of the configured farmers. Secrets never
// leave it; callers only see addresses and signatures.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewKeyring creates an empty keyring
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PrivateKey)}
}

// Add decodes an S… seed and returns the farmer address it controls
func (k *Keyring) Add(seed string) (string, error) {
	b, err := decodeStrkey(versionSeed, seed)
	if err != nil {
		return "", fmt.Errorf("decode seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(b)
	address := EncodeAddress(priv.Public().(ed25519.PublicKey))

	k.mu.Lock()
	k.keys[address] = priv
	k.mu.Unlock()
	return address, nil
}

// Has reports whether a key is held for address
func (k *Keyring) Has(address string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[address]
	return ok
}

// Addresses returns the addresses with a signing key
func (k *Keyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for a := range k.keys {
		out = append(out, a)
	}
	return out
}

// Sign signs msg with the key of address
func (k *Keyring) Sign(address string, msg []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.keys[address]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFarmer, address)
	}
	return ed25519.Sign(priv, msg), nil
}
