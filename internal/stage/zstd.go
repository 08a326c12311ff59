package stage

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compress streams chunks through a zstd encoder. Output chunk sizes
// bear no relation to input sizes, so the pipeline must run in
// variable-length mode; the encoder's tail is drained at flush.
type Compress struct {
	enc *zstd.Encoder
	buf bytes.Buffer
}

func NewCompress() (*Compress, error) {
	s := &Compress{}
	enc, err := zstd.NewWriter(&s.buf)
	if err != nil {
		return nil, err
	}
	s.enc = enc
	return s, nil
}

func (*Compress) Name() string { return "zstd" }

func (s *Compress) Transform(chunk []byte) ([]byte, error) {
	if _, err := s.enc.Write(chunk); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return s.take(), nil
}

func (s *Compress) Flush(cause error) ([]byte, error) {
	if cause != nil {
		_ = s.enc.Close()
		return nil, cause
	}
	if err := s.enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return s.take(), nil
}

func (s *Compress) take() []byte {
	if s.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	s.buf.Reset()
	return out
}

// Decompress buffers the whole stream and decodes it at flush: a zstd
// frame is only decodable once complete, so the drain happens in the
// success-flush shape.
type Decompress struct {
	dec *zstd.Decoder
	in  bytes.Buffer
}

func NewDecompress() (*Decompress, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Decompress{dec: dec}, nil
}

func (*Decompress) Name() string { return "unzstd" }

func (s *Decompress) Transform(chunk []byte) ([]byte, error) {
	s.in.Write(chunk)
	return nil, nil
}

func (s *Decompress) Flush(cause error) ([]byte, error) {
	defer s.dec.Close()
	if cause != nil {
		return nil, cause
	}
	out, err := s.dec.DecodeAll(s.in.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("unzstd: %w", err)
	}
	return out, nil
}
