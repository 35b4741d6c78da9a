package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

const (
	// DefaultBlockSize is the block size used when none is configured (1 MiB).
	DefaultBlockSize uint32 = 1 << 20
	// MaxBlockSize keeps every block strictly below the 4 MiB ask-reply limit.
	MaxBlockSize uint32 = 4<<20 - 1
)

var (
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrInvalidMeta      = errors.New("invalid blob metadata")
)

// Meta describes a blob: its name, size, block size and the ordered block hashes.
type Meta struct {
	FileName  string `cbor:"1,keyasint" json:"fileName"`
	FileSize  uint64 `cbor:"2,keyasint" json:"fileSize"`
	BlockSize uint32 `cbor:"3,keyasint" json:"blockSize"`
	Blocks    []Hash `cbor:"4,keyasint" json:"blocks"`
}

// EncodeMeta serializes m for the wire and the index.
func EncodeMeta(m *Meta) ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeMeta parses and validates metadata produced by EncodeMeta.
func DecodeMeta(b []byte) (*Meta, error) {
	var m Meta
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// NumBlocks returns ceil(FileSize / BlockSize).
func NumBlocks(fileSize uint64, blockSize uint32) int {
	if blockSize == 0 {
		return 0
	}

	return int((fileSize + uint64(blockSize) - 1) / uint64(blockSize))
}

// BlockOffset returns the byte offset of block i within the blob.
func (m *Meta) BlockOffset(i int) int64 {
	return int64(i) * int64(m.BlockSize)
}

// BlockLen returns the length of block i. Every block but the last is BlockSize long.
func (m *Meta) BlockLen(i int) int {
	if i < 0 || i >= len(m.Blocks) {
		return 0
	}

	if i < len(m.Blocks)-1 {
		return int(m.BlockSize)
	}

	last := m.FileSize - uint64(i)*uint64(m.BlockSize)

	return int(last)
}

// Hash returns the blob hash: the digest of the ordered block hashes.
func (m *Meta) Hash(h Hasher) Hash {
	return AggregateHash(h, m.Blocks)
}

// Validate checks the block count against the declared sizes.
func (m *Meta) Validate() error {
	if m.BlockSize == 0 || m.BlockSize > MaxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrInvalidMeta, m.BlockSize)
	}

	if want := NumBlocks(m.FileSize, m.BlockSize); len(m.Blocks) != want {
		return fmt.Errorf("%w: %d block hashes for %d bytes, want %d", ErrInvalidMeta, len(m.Blocks), m.FileSize, want)
	}

	return nil
}

// Index returns the position of block hash b, or -1.
func (m *Meta) Index(b Hash) int {
	for i, bh := range m.Blocks {
		if bh == b {
			return i
		}
	}

	return -1
}

// AggregateHash digests the concatenation of the block hashes. Reordering
// the blocks changes the result.
func AggregateHash(h Hasher, blocks []Hash) Hash {
	d := h.New()
	for _, b := range blocks {
		d.Write(b[:])
	}

	return Sum(d)
}

// ChunkAndHash reads r sequentially in blockSize windows and hashes each
// window. Either the complete metadata or an error is returned.
func ChunkAndHash(ctx context.Context, r io.Reader, name string, blockSize uint32, h Hasher) (*Meta, error) {
	if blockSize == 0 || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}

	if h == nil {
		h = DefaultHasher()
	}

	buf := make([]byte, blockSize)
	meta := &Meta{FileName: name, BlockSize: blockSize}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			meta.Blocks = append(meta.Blocks, SumBytes(h, buf[:n]))
			meta.FileSize += uint64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}

		if err != nil {
			return nil, err
		}
	}

	return meta, nil
}

// HashFile chunks the file at path. An empty name defaults to the file's base name.
func HashFile(ctx context.Context, path, name string, blockSize uint32, h Hasher) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(path)
	}

	return ChunkAndHash(ctx, f, name, blockSize, h)
}
