package fencer

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/vircluster/vircored/pkg/types"
)

// AESGCMResolver decrypts an endpoint's EncryptedSecret with AES-256-GCM
// under a single process-wide key, matching the cipher named directly in
// types.IPMIEndpoint's field comment. The convention is nonce-then-
// ciphertext: the encrypted blob is the GCM nonce followed by the sealed
// password, exactly what cipher.AEAD.Seal/Open expect when given the
// nonce as the destination prefix.
type AESGCMResolver struct {
	gcm cipher.AEAD
}

// NewAESGCMResolver builds a resolver from a 32-byte AES-256 key.
func NewAESGCMResolver(key []byte) (*AESGCMResolver, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing gcm mode: %w", err)
	}
	return &AESGCMResolver{gcm: gcm}, nil
}

func (r *AESGCMResolver) ResolvePassword(ep types.IPMIEndpoint) (string, error) {
	if len(ep.EncryptedSecret) < r.gcm.NonceSize() {
		return "", fmt.Errorf("encrypted secret for %s is shorter than the gcm nonce", ep.CredentialRef)
	}
	nonce := ep.EncryptedSecret[:r.gcm.NonceSize()]
	ciphertext := ep.EncryptedSecret[r.gcm.NonceSize():]
	plaintext, err := r.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting ipmi secret %s: %w", ep.CredentialRef, err)
	}
	return string(plaintext), nil
}
