package keystore

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Signer signs transactions with exactly one wallet key and never exposes it.
type Signer struct {
	index int
	key   solana.PrivateKey
}

// NewSigner wraps key for wallet index.
func NewSigner(index int, key solana.PrivateKey) *Signer {
	return &Signer{index: index, key: key}
}

func (s *Signer) Index() int { return s.index }

func (s *Signer) PublicKey() solana.PublicKey { return s.key.PublicKey() }

// Sign adds this wallet's signature. It fails when tx needs any other signer.
func (s *Signer) Sign(tx *solana.Transaction) error {
	pub := s.key.PublicKey()
	_, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign as wallet %d: %w", s.index, err)
	}
	return nil
}

// String keeps the key out of formatted output.
func (s *Signer) String() string {
	return fmt.Sprintf("wallet[%d] %s", s.index, s.key.PublicKey())
}

// GoString keeps the key out of %#v output.
func (s *Signer) GoString() string { return s.String() }
