package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// HashLen is the size of a block, blob or node hash in bytes.
const HashLen = 16

const (
	// SHA224 truncates a SHA-224 digest to its first 16 bytes. It is the default.
	SHA224 = "sha224"
	// Blake2b uses BLAKE2b with a native 16 byte output.
	Blake2b = "blake2b"
)

var (
	ErrInvalidHash    = errors.New("invalid hash")
	ErrUnknownHasher  = errors.New("unknown hash function")
	ErrHasherExists   = errors.New("hash function already registered")
	hashersMu         sync.RWMutex
	hashers           = map[string]Hasher{}
	defaultHasherName = SHA224
)

// Hash is a 128-bit digest. The bytes are kept in wire order, which is the
// little-endian encoding of the 128-bit value.
type Hash [HashLen]byte

// String renders the 128-bit value most significant byte first, 32 hex digits.
func (h Hash) String() string {
	var be [HashLen]byte
	for i := range h {
		be[HashLen-1-i] = h[i]
	}

	return hex.EncodeToString(be[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

// ParseHash parses the 32 hex digit form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*HashLen {
		return Hash{}, fmt.Errorf("%w: want %d hex digits, got %d", ErrInvalidHash, 2*HashLen, len(s))
	}

	be, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	var h Hash
	for i := range be {
		h[HashLen-1-i] = be[i]
	}

	return h, nil
}

// Hasher produces 128-bit digests. Peers interoperate only when both ends
// use the same Hasher.
type Hasher interface {
	Name() string
	New() hash.Hash
}

type hasherFunc struct {
	name  string
	newFn func() hash.Hash
}

func (f hasherFunc) Name() string   { return f.name }
func (f hasherFunc) New() hash.Hash { return f.newFn() }

func init() {
	must(Register(SHA224, sha256.New224))
	must(Register(Blake2b, func() hash.Hash {
		h, err := blake2b.New(HashLen, nil)
		if err != nil {
			panic(err)
		}

		return h
	}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Register adds a named hash function. Digests shorter than HashLen are rejected
// when the function is first used.
func Register(name string, newFn func() hash.Hash) error {
	hashersMu.Lock()
	defer hashersMu.Unlock()

	if _, ok := hashers[name]; ok {
		return fmt.Errorf("%w: %s", ErrHasherExists, name)
	}

	hashers[name] = hasherFunc{name: name, newFn: newFn}

	return nil
}

// Lookup returns the hash function registered under name. An empty name
// selects the default.
func Lookup(name string) (Hasher, error) {
	if name == "" {
		name = defaultHasherName
	}

	hashersMu.RLock()
	defer hashersMu.RUnlock()

	h, ok := hashers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}

	return h, nil
}

// Hashers lists the registered hash function names.
func Hashers() []string {
	hashersMu.RLock()
	defer hashersMu.RUnlock()

	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// DefaultHasher returns the SHA-224 based hasher.
func DefaultHasher() Hasher {
	h, _ := Lookup(defaultHasherName)
	return h
}

// Sum finalizes d and keeps the first HashLen bytes of the digest.
func Sum(d hash.Hash) Hash {
	var h Hash

	sum := d.Sum(nil)
	if len(sum) < HashLen {
		panic(fmt.Sprintf("blob: digest of %d bytes is shorter than %d", len(sum), HashLen))
	}

	copy(h[:], sum[:HashLen])

	return h
}

// SumBytes hashes b in one call.
func SumBytes(h Hasher, b []byte) Hash {
	d := h.New()
	d.Write(b)

	return Sum(d)
}
