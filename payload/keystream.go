package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// Keystream produces pseudo-random bytes from AES-CTR
type Keystream struct {
	ctr cipher.Stream
}

// NewKeystream seeds AES-256-CTR with a random key and nonce
func NewKeystream() (*Keystream, error) {
	seed := make([]byte, 32+aes.BlockSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(seed[:32])
	if err != nil {
		return nil, err
	}
	return &Keystream{ctr: cipher.NewCTR(block, seed[32:])}, nil
}

// Fill overwrites dst with the next len(dst) keystream bytes
func (k *Keystream) Fill(dst []byte) {
	clear(dst)
	k.ctr.XORKeyStream(dst, dst)
}
