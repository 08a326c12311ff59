// Package stage holds the transform stages shipped with the engine:
// identity, ChaCha20 stream cipher, BLAKE2b digest, and zstd
// compression. Each implements pipeline.Stage.
package stage

// Identity passes chunks through untouched. Reference stage for wiring
// and tests.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Transform(chunk []byte) ([]byte, error) { return chunk, nil }

func (Identity) Flush(cause error) ([]byte, error) { return nil, cause }
