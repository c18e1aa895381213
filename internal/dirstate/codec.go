package dirstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CodecOptions configures how snapshots are encoded
type CodecOptions struct {
	// Minimum encoded size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
}

// DefaultCodecOptions provides sensible defaults
func DefaultCodecOptions() CodecOptions {
	return CodecOptions{
		MinSize: 1024, // 1KB
		Level:   2,    // Balanced speed/compression
	}
}

// codec turns a State into its stored form: JSON, zstd-compressed once
// it passes MinSize. Decoding sniffs the zstd frame magic, so the
// threshold can change without rewriting stored slots.
type codec struct {
	opts CodecOptions

	encoders sync.Pool
	decoders sync.Pool
}

func newCodec(opts CodecOptions) (*codec, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Create encoder/decoder for validation
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	dec.Close()

	return &codec{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(level),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}, nil
}

func (c *codec) encode(s *State) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling dirstate: %w", err)
	}
	if len(raw) < c.opts.MinSize {
		return raw, nil
	}

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *codec) decode(data []byte) (*State, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec := c.decoders.Get().(*zstd.Decoder)
		defer c.decoders.Put(dec)

		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing dirstate: %w", err)
		}
		data = raw
	}

	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("unmarshaling dirstate: %w", err)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]Entry)
	}
	if s.Copies == nil {
		s.Copies = make(map[string]string)
	}
	return s, nil
}
