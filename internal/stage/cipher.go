package stage

import (
	"golang.org/x/crypto/chacha20"
)

// Cipher XORs the ChaCha20 keystream over every chunk. Length
// preserving; the keystream position carries across chunks, so the
// concatenated output equals enciphering the whole input at once. The
// same stage configuration deciphers.
type Cipher struct {
	c *chacha20.Cipher
}

// NewCipher needs a 32-byte key and a 12-byte nonce.
func NewCipher(key, nonce []byte) (*Cipher, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	return &Cipher{c: c}, nil
}

func (*Cipher) Name() string { return "chacha20" }

func (s *Cipher) Transform(chunk []byte) ([]byte, error) {
	out := make([]byte, len(chunk))
	s.c.XORKeyStream(out, chunk)
	return out, nil
}

// A stream cipher has no partial-block residue to drain.
func (s *Cipher) Flush(cause error) ([]byte, error) { return nil, cause }
