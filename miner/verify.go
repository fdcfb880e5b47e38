package miner

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/alexandrut83/homestead/blockchain"
)

// Digest computes the keccak256 preimage hash the contract checks:
// block (4 bytes BE) | nonce (16 bytes BE) | entropy | farmer ed25519 key.
func Digest(block uint32, nonce uint64, entropy, account string) ([]byte, error) {
	seed, err := base64.StdEncoding.DecodeString(entropy)
	if err != nil {
		return nil, fmt.Errorf("decode entropy: %w", err)
	}
	pub, err := blockchain.DecodeAddress(account)
	if err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	buf := make([]byte, 4+16, 4+16+len(seed)+len(pub))
	binary.BigEndian.PutUint32(buf[0:4], block)
	binary.BigEndian.PutUint64(buf[12:20], nonce)
	buf = append(buf, seed...)
	buf = append(buf, pub...)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf)
	return h.Sum(nil), nil
}

// Verify checks that res meets the job difficulty and hashes correctly
func Verify(job Job, res Result) error {
	if zeros := int(blockchain.ZeroCount(res.Hash)); zeros < job.Difficulty {
		return fmt.Errorf("%w: %d leading zeros, want %d", ErrInvalidResult, zeros, job.Difficulty)
	}
	digest, err := Digest(job.Block, res.Nonce, job.Hash, job.Account)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if !strings.EqualFold(hex.EncodeToString(digest), res.Hash) {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidResult)
	}
	return nil
}
