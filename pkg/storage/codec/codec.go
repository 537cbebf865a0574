// Package codec frames stored values with a one byte header naming the
// compression used, so readers can decode values written under any setting.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind is the compression algorithm applied to a stored value.
type Kind uint8

const (
	None Kind = iota
	LZ4
	ZSTD
)

// ErrCorruptValue is returned when a stored value cannot be unframed.
var ErrCorruptValue = errors.New("corrupt stored value")

// maxDecodedSize bounds the size a header may claim for an lz4 payload.
const maxDecodedSize = 16 << 20

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a configuration value to a Kind. The empty string means None.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return None, fmt.Errorf("unknown compression '%s'", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
}

// Codec encodes values with a fixed Kind and decodes values of any Kind.
type Codec struct {
	kind Kind
}

// New returns a Codec that compresses with kind.
func New(kind Kind) *Codec {
	return &Codec{kind: kind}
}

// Kind returns the compression used by Encode.
func (c *Codec) Kind() Kind {
	return c.kind
}

// Encode frames raw as [kind][payload]. LZ4 payloads carry the uvarint
// length of raw ahead of the block.
func (c *Codec) Encode(raw []byte) ([]byte, error) {
	kind := c.kind
	if len(raw) == 0 {
		kind = None
	}

	switch kind {
	case None:
		out := make([]byte, 0, len(raw)+1)
		out = append(out, byte(None))
		return append(out, raw...), nil

	case LZ4:
		block := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, block, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// incompressible
			return New(None).Encode(raw)
		}

		out := make([]byte, 1, 1+binary.MaxVarintLen64+n)
		out[0] = byte(LZ4)
		out = binary.AppendUvarint(out, uint64(len(raw)))
		return append(out, block[:n]...), nil

	case ZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer zstdEncoderPool.Put(enc)

		return enc.EncodeAll(raw, []byte{byte(ZSTD)}), nil

	default:
		return nil, fmt.Errorf("unknown compression %s", kind)
	}
}

// Decode reverses Encode using the kind recorded in the header.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptValue)
	}

	payload := stored[1:]
	switch Kind(stored[0]) {
	case None:
		return payload, nil

	case LZ4:
		size, n := binary.Uvarint(payload)
		if n <= 0 || size > maxDecodedSize {
			return nil, fmt.Errorf("%w: bad lz4 length", ErrCorruptValue)
		}

		out := make([]byte, size)
		written, err := lz4.UncompressBlock(payload[n:], out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptValue, err)
		}
		if uint64(written) != size {
			return nil, fmt.Errorf("%w: lz4 length mismatch", ErrCorruptValue)
		}
		return out, nil

	case ZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer zstdDecoderPool.Put(dec)

		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptValue, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown header %#x", ErrCorruptValue, stored[0])
	}
}
