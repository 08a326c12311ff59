package stage

import (
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Digest hashes everything that flows past and passes chunks through
// untouched. The digest is available after a successful flush.
type Digest struct {
	h   hash.Hash
	sum []byte
}

func NewDigest() (*Digest, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	return &Digest{h: h}, nil
}

func (*Digest) Name() string { return "blake2b" }

func (s *Digest) Transform(chunk []byte) ([]byte, error) {
	_, _ = s.h.Write(chunk) // never errors
	return chunk, nil
}

func (s *Digest) Flush(cause error) ([]byte, error) {
	if cause == nil {
		s.sum = s.h.Sum(nil)
	}
	return nil, cause
}

// Sum returns the digest of the completed run, nil before flush or
// after a failed run.
func (s *Digest) Sum() []byte { return s.sum }
