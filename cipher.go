package cowtree

import (
	"crypto/aes"
	"crypto/cipher"
	"sync"
)

// Cipher encrypts into a freshly-pooled buffer; decrypt is always in place.
type Cipher interface {
	Encrypt(plaintext []byte) (ciphertext []byte, err error)
	free(ciphertext []byte)
	Decrypt(ciphertext []byte) error
}

type aesCipher struct {
	pool   sync.Pool
	cipher cipher.Block
	iv     [aes.BlockSize]byte
}

func NewAseCipher(key []byte, pageSize int) (Cipher, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesCipher{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, pageSize)
			},
		},
		cipher: c,
	}, err
}

// Encrypt/Decrypt run the page through CTR mode rather than calling
// cipher.Block.Encrypt/Decrypt directly: a raw block cipher only
// transforms exactly one BlockSize-sized chunk, which is far smaller than
// a page. The IV is fixed rather than per-page, since Cipher's signature
// carries no page identity to derive one from; that's an accepted
// limitation of page-at-rest encryption here, not full AEAD security.
func (a *aesCipher) Encrypt(plaintext []byte) (ciphertext []byte, err error) {
	ciphertext = a.pool.Get().([]byte)[:len(plaintext)]
	cipher.NewCTR(a.cipher, a.iv[:]).XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

func (a *aesCipher) free(ciphertext []byte) {
	a.pool.Put(ciphertext)
}

func (a *aesCipher) Decrypt(ciphertext []byte) error {
	cipher.NewCTR(a.cipher, a.iv[:]).XORKeyStream(ciphertext, ciphertext)
	return nil
}
