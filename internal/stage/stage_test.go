package stage

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"offload/internal/pipeline"
	srcbytes "offload/source/bytes"
)

var (
	testKey   = bytes.Repeat([]byte{0x42}, chacha20.KeySize)
	testNonce = bytes.Repeat([]byte{0x24}, chacha20.NonceSize)
)

func runPipeline(t *testing.T, opts pipeline.Options, stages []pipeline.Stage, input []byte) *pipeline.Collect {
	t.Helper()
	var sink pipeline.Collect
	p := pipeline.New(opts, stages...)
	o := p.Run(context.Background(), srcbytes.FromPayloads(input), &sink)
	if o.Err != nil {
		t.Fatalf("run: %v", o.Err)
	}
	return &sink
}

func TestCipher_RoundTrip(t *testing.T) {
	input := []byte(strings.Repeat("attack at dawn. ", 64))

	enc, err := NewCipher(testKey, testNonce)
	if err != nil {
		t.Fatal(err)
	}
	ct := runPipeline(t, pipeline.Options{ChunkSize: 48}, []pipeline.Stage{enc}, input)

	if bytes.Equal(ct.Bytes(), input) {
		t.Fatal("ciphertext equals plaintext")
	}
	if len(ct.Bytes()) != len(input) {
		t.Fatalf("cipher must preserve length: %d != %d", len(ct.Bytes()), len(input))
	}

	dec, err := NewCipher(testKey, testNonce)
	if err != nil {
		t.Fatal(err)
	}
	pt := runPipeline(t, pipeline.Options{ChunkSize: 17}, []pipeline.Stage{dec}, ct.Bytes())
	if !bytes.Equal(pt.Bytes(), input) {
		t.Fatal("round trip lost data")
	}
}

func TestCipher_KeystreamContinuityAcrossChunks(t *testing.T) {
	// chunked output must equal enciphering the whole buffer at once
	input := []byte(strings.Repeat("0123456789", 33))

	s, err := NewCipher(testKey, testNonce)
	if err != nil {
		t.Fatal(err)
	}
	chunked := runPipeline(t, pipeline.Options{ChunkSize: 7}, []pipeline.Stage{s}, input)

	ref, err := chacha20.NewUnauthenticatedCipher(testKey, testNonce)
	if err != nil {
		t.Fatal(err)
	}
	whole := make([]byte, len(input))
	ref.XORKeyStream(whole, input)

	if !bytes.Equal(chunked.Bytes(), whole) {
		t.Fatal("keystream restarted at a chunk boundary")
	}
}

func TestCipher_RejectsBadKey(t *testing.T) {
	if _, err := NewCipher([]byte("short"), testNonce); err == nil {
		t.Fatal("expected key size error")
	}
}

func TestDigest_MatchesWholeBufferHash(t *testing.T) {
	input := []byte(strings.Repeat("payload bytes ", 100))

	d, err := NewDigest()
	if err != nil {
		t.Fatal(err)
	}
	out := runPipeline(t, pipeline.Options{ChunkSize: 32}, []pipeline.Stage{d}, input)

	if !bytes.Equal(out.Bytes(), input) {
		t.Fatal("digest stage must pass chunks through untouched")
	}
	want := blake2b.Sum256(input)
	if !bytes.Equal(d.Sum(), want[:]) {
		t.Fatal("digest differs from whole-buffer hash")
	}
}

func TestDigest_NilBeforeFlush(t *testing.T) {
	d, err := NewDigest()
	if err != nil {
		t.Fatal(err)
	}
	if d.Sum() != nil {
		t.Fatal("sum should be nil before flush")
	}
}

func TestZstd_RoundTrip(t *testing.T) {
	input := []byte(strings.Repeat("compressible compressible compressible ", 200))

	c, err := NewCompress()
	if err != nil {
		t.Fatal(err)
	}
	opts := pipeline.Options{ChunkSize: 256, AllowVariable: true}
	compressed := runPipeline(t, opts, []pipeline.Stage{c}, input)

	if len(compressed.Bytes()) >= len(input) {
		t.Fatalf("repetitive input did not shrink: %d >= %d", len(compressed.Bytes()), len(input))
	}

	d, err := NewDecompress()
	if err != nil {
		t.Fatal(err)
	}
	restored := runPipeline(t, opts, []pipeline.Stage{d}, compressed.Bytes())
	if !bytes.Equal(restored.Bytes(), input) {
		t.Fatal("round trip lost data")
	}
}

func TestIdentity_PassThrough(t *testing.T) {
	input := []byte("hello")
	out := runPipeline(t, pipeline.Options{ChunkSize: 2}, []pipeline.Stage{Identity{}}, input)
	if !bytes.Equal(out.Bytes(), input) {
		t.Fatalf("got %q", out.Bytes())
	}
}
