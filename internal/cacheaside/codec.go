package cacheaside

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how payloads are stored in the cache.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// ParseCompression maps a config value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// errCorruptEntry means a cached value could not be turned back into JSON.
var errCorruptEntry = errors.New("corrupt cache entry")

// A compressed entry is [frameMagic][Compression][uncompressed size uint32 LE][data].
// frameMagic is never the first byte of a JSON document, so plain entries
// written by other clients stay readable.
const (
	frameMagic      = 0xFE
	frameHeaderSize = 6
	// compressed output above this share of the input is stored plain
	minSavingsRatio = 0.9
	// lz4 blocks cannot expand further than this
	maxLZ4Ratio = 255

	// DefaultMaxEntryBytes bounds the decoded size of a cached entry.
	DefaultMaxEntryBytes = 32 << 20
)

var (
	zstdEncoderPool sync.Pool
	// one decoder pool per size limit, each decoder capped at that limit
	zstdDecoderPools sync.Map
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func zstdDecoderPool(limit int64) *sync.Pool {
	if v, ok := zstdDecoderPools.Load(limit); ok {
		return v.(*sync.Pool)
	}
	v, _ := zstdDecoderPools.LoadOrStore(limit, &sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(uint64(limit)))
			return dec
		},
	})
	return v.(*sync.Pool)
}

// Codec turns origin payloads into cache values and back.
type Codec struct {
	Compression Compression
	// MaxSize bounds the decoded size of an entry. Zero means
	// DefaultMaxEntryBytes.
	MaxSize int64
}

func (c Codec) maxSize() int64 {
	if c.MaxSize <= 0 {
		return DefaultMaxEntryBytes
	}
	return c.MaxSize
}

// Encode stores payload as-is or framed and compressed. Payloads that do not
// compress well are stored plain.
func (c Codec) Encode(payload json.RawMessage) ([]byte, error) {
	if c.Compression == CompressionNone || len(payload) == 0 {
		return payload, nil
	}

	var packed []byte
	switch c.Compression {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(payload, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("encode: %s", c.Compression)
	}

	if len(packed) == 0 || float64(len(packed)) > float64(len(payload))*minSavingsRatio {
		return payload, nil
	}

	out := make([]byte, frameHeaderSize+len(packed))
	out[0] = frameMagic
	out[1] = byte(c.Compression)
	binary.LittleEndian.PutUint32(out[2:], uint32(len(payload)))
	copy(out[frameHeaderSize:], packed)
	return out, nil
}

// Decode reverses Encode whatever compression the entry was written with.
// The result is always valid JSON or an errCorruptEntry.
func (c Codec) Decode(value []byte) (json.RawMessage, error) {
	out := value
	if len(value) > 0 && value[0] == frameMagic {
		var err error
		if out, err = unframe(value, c.maxSize()); err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptEntry, err)
		}
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: not valid JSON", errCorruptEntry)
	}
	return json.RawMessage(out), nil
}

// unframe checks the declared size against limit before allocating for it.
func unframe(value []byte, limit int64) ([]byte, error) {
	if len(value) < frameHeaderSize {
		return nil, errors.New("frame too small for header")
	}
	size := binary.LittleEndian.Uint32(value[2:])
	data := value[frameHeaderSize:]
	if int64(size) > limit {
		return nil, fmt.Errorf("declared size %d exceeds limit %d", size, limit)
	}

	switch Compression(value[1]) {
	case CompressionLZ4:
		if int64(size) > int64(len(data))*maxLZ4Ratio {
			return nil, fmt.Errorf("declared size %d impossible for %d lz4 bytes", size, len(data))
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("lz4 size mismatch: expected %d, got %d", size, n)
		}
		return out, nil
	case CompressionZSTD:
		pool := zstdDecoderPool(limit)
		dec := pool.Get().(*zstd.Decoder)
		defer pool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(out)) != size {
			return nil, fmt.Errorf("zstd size mismatch: expected %d, got %d", size, len(out))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", value[1])
	}
}
