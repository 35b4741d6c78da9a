package blob_test

import (
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

func TestHash_StringIsBigEndian(t *testing.T) {
	var h blob.Hash
	h[0] = 0x01
	h[15] = 0xab

	assert.Equal(t, "ab000000000000000000000000000001", h.String())

	parsed, err := blob.ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHash_Invalid(t *testing.T) {
	for _, s := range []string{
		"",
		"abc",
		"zz000000000000000000000000000001",
		"f88a92ddbadcfe23e976d92ba5019a81e5d818df4609adc01330d753834c46d8",
	} {
		_, err := blob.ParseHash(s)
		assert.ErrorIs(t, err, blob.ErrInvalidHash, "input %q", s)
	}
}

func TestHash_JSON(t *testing.T) {
	h := blob.SumBytes(blob.DefaultHasher(), []byte("hello"))

	b, err := json.Marshal(map[string]blob.Hash{"hash": h})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hash":"`+h.String()+`"}`, string(b))

	var out map[string]blob.Hash
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, h, out["hash"])
}

func TestLookup(t *testing.T) {
	h, err := blob.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, blob.SHA224, h.Name())

	sum := sha256.Sum224([]byte("abc"))
	var want blob.Hash
	copy(want[:], sum[:16])
	assert.Equal(t, want, blob.SumBytes(h, []byte("abc")))

	b2, err := blob.Lookup(blob.Blake2b)
	require.NoError(t, err)
	assert.NotEqual(t, want, blob.SumBytes(b2, []byte("abc")))

	_, err = blob.Lookup("md5")
	assert.ErrorIs(t, err, blob.ErrUnknownHasher)

	assert.ErrorIs(t, blob.Register(blob.SHA224, sha256.New224), blob.ErrHasherExists)
	assert.Contains(t, blob.Hashers(), blob.Blake2b)
}
