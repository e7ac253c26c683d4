package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
)

// Wallet signs channel claims with a Neo private key.
type Wallet struct {
	privateKey *keys.PrivateKey
}

// NewWallet creates a wallet from a hex-encoded private key (no 0x prefix).
func NewWallet(privateKeyHex string) (*Wallet, error) {
	pk, err := keys.NewPrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Wallet{privateKey: pk}, nil
}

// Address returns the wallet's Neo address.
func (w *Wallet) Address() string {
	return w.privateKey.Address()
}

// PublicKeyHex returns the compressed public key in hex.
func (w *Wallet) PublicKeyHex() string {
	return w.privateKey.PublicKey().StringCompressed()
}

// Sign signs the message. The key signs the SHA-256 digest of the data.
func (w *Wallet) Sign(message []byte) []byte {
	return w.privateKey.Sign(message)
}

// PrivateKey exposes the underlying key for transaction signing.
func (w *Wallet) PrivateKey() *keys.PrivateKey {
	return w.privateKey
}

// VerifySignature checks a signature made by the holder of publicKeyHex over
// message.
func VerifySignature(publicKeyHex string, message, signature []byte) (bool, error) {
	pub, err := keys.NewPublicKeyFromString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("parse public key: %w", err)
	}
	digest := sha256.Sum256(message)
	return pub.Verify(signature, digest[:]), nil
}

// AddressFromPublicKey derives the Neo address for a compressed public key.
func AddressFromPublicKey(publicKeyHex string) (string, error) {
	pub, err := keys.NewPublicKeyFromString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return pub.Address(), nil
}
