// Package codec encrypts private job payloads between two identities (NIP-04).
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/iago/llm-dvm/internal/nostr"
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Codec encrypts and decrypts a payload between self and a peer.
type Codec interface {
	Encrypt(selfPrivateKeyHex, peerPublicKeyHex, plaintext string) (string, error)
	Decrypt(selfPrivateKeyHex, peerPublicKeyHex, ciphertext string) (string, error)
}

// NIP04 is AES-256-CBC keyed with the x coordinate of the ECDH point,
// encoded as base64(ciphertext) + "?iv=" + base64(iv).
type NIP04 struct{}

func NewNIP04() NIP04 {
	return NIP04{}
}

func (NIP04) Encrypt(selfPrivateKeyHex, peerPublicKeyHex, plaintext string) (string, error) {
	key, err := sharedSecret(selfPrivateKeyHex, peerPublicKeyHex)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func (NIP04) Decrypt(selfPrivateKeyHex, peerPublicKeyHex, payload string) (string, error) {
	encodedCiphertext, encodedIV, ok := strings.Cut(strings.TrimSpace(payload), "?iv=")
	if !ok {
		return "", ErrMalformedCiphertext
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	iv, err := base64.StdEncoding.DecodeString(encodedIV)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}

	key, err := sharedSecret(selfPrivateKeyHex, peerPublicKeyHex)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func sharedSecret(selfPrivateKeyHex, peerPublicKeyHex string) ([]byte, error) {
	keys, err := nostr.ParseKeyPair(selfPrivateKeyHex)
	if err != nil {
		return nil, err
	}
	peer, err := nostr.ParsePublicKey(peerPublicKeyHex)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(keys.PrivateKey(), peer), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrMalformedCiphertext
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, ErrMalformedCiphertext
	}
	for _, value := range data[len(data)-padding:] {
		if int(value) != padding {
			return nil, ErrMalformedCiphertext
		}
	}
	return data[:len(data)-padding], nil
}
