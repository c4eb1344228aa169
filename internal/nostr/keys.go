package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var ErrInvalidPrivateKey = errors.New("private key must be 32 bytes of hex")

// KeyPair is an identity on the relay network.
type KeyPair struct {
	PrivateKeyHex string
	PublicKeyHex  string

	private *btcec.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	private, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return ParseKeyPair(hex.EncodeToString(private.Serialize()))
}

func ParseKeyPair(privateKeyHex string) (KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privateKeyHex))
	if err != nil || len(raw) != 32 {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	private, public := btcec.PrivKeyFromBytes(raw)
	if private.Key.IsZero() {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	return KeyPair{
		PrivateKeyHex: hex.EncodeToString(private.Serialize()),
		PublicKeyHex:  hex.EncodeToString(schnorr.SerializePubKey(public)),
		private:       private,
	}, nil
}

// PublicKeyHex derives the x-only public key of a hex private key.
func PublicKeyHex(privateKeyHex string) (string, error) {
	keys, err := ParseKeyPair(privateKeyHex)
	if err != nil {
		return "", err
	}
	return keys.PublicKeyHex, nil
}

// PrivateKey exposes the parsed key for ECDH.
func (k KeyPair) PrivateKey() *btcec.PrivateKey {
	return k.private
}

// ParsePublicKey parses an x-only (BIP-340) hex public key.
func ParsePublicKey(publicKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	public, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return public, nil
}

func (k KeyPair) sign(hash []byte) (string, error) {
	if k.private == nil {
		return "", ErrInvalidPrivateKey
	}
	sig, err := schnorr.Sign(k.private, hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func verifySignature(publicKeyHex string, hash []byte, sigHex string) bool {
	public, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return false
	}
	rawSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return false
	}
	return sig.Verify(hash, public)
}
