package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

var (
	errNoKey           = errors.New("no signing key configured")
	errInvalidMnemonic = errors.New("invalid mnemonic")
)

// Signer holds the private key material of one wallet.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: %d", len(priv))
	}
	return &Signer{
		priv: append(ed25519.PrivateKey(nil), priv...),
		pub:  append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...),
	}, nil
}

// SignerFromHex builds a signer from a hex-encoded 32-byte seed.
func SignerFromHex(s string) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}

// SignerFromMnemonic derives a signer from a BIP-39 mnemonic.
func SignerFromMnemonic(mnemonic string) (*Signer, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	return NewSigner(ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]))
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(priv)
}

// PublicKey returns a copy of the public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	if s == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	if s == nil || len(s.priv) == 0 {
		return nil, errNoKey
	}
	return ed25519.Sign(s.priv, msg), nil
}

// Script returns the locking script paying to this signer.
func (s *Signer) Script() []byte {
	if s == nil {
		return nil
	}
	return LockScript(s.pub)
}

// LockScript is the pay-to-public-key-hash script for pub.
func LockScript(pub []byte) []byte {
	h := blake2b.Sum256(pub)
	return h[:]
}

// AddressPrefix maps a network name to its address prefix.
func AddressPrefix(network string) string {
	switch {
	case network == "mainnet":
		return "kaspa"
	case strings.HasPrefix(network, "testnet"):
		return "kaspatest"
	case network == "devnet":
		return "kaspadev"
	case network == "simnet":
		return "kaspasim"
	default:
		return "kaspatest"
	}
}

// Address renders the address of pub on network.
func Address(pub []byte, network string) string {
	return AddressPrefix(network) + ":" + base58.Encode(LockScript(pub))
}

// SignInputs signs every input of tx with s.
func SignInputs(tx *Transaction, s *Signer) error {
	if s == nil {
		return errNoKey
	}
	for i := range tx.Inputs {
		tx.Inputs[i].PublicKey = s.PublicKey()
	}
	digest := tx.SigHash()
	for i := range tx.Inputs {
		sig, err := s.Sign(digest[:])
		if err != nil {
			return err
		}
		tx.Inputs[i].Signature = sig
	}
	return nil
}

// VerifyInput checks input i is signed by the key hashing to script.
func VerifyInput(tx *Transaction, i int, script []byte) error {
	if i < 0 || i >= len(tx.Inputs) {
		return fmt.Errorf("input %d out of range", i)
	}
	in := tx.Inputs[i]
	if len(in.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("input %d: invalid public key", i)
	}
	if string(LockScript(in.PublicKey)) != string(script) {
		return fmt.Errorf("input %d: public key does not match locking script", i)
	}
	digest := tx.SigHash()
	if !ed25519.Verify(in.PublicKey, digest[:], in.Signature) {
		return fmt.Errorf("input %d: bad signature", i)
	}
	return nil
}
