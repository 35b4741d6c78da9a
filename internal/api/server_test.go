package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/blobxfer/internal/api"
	"github.com/NamanBalaji/blobxfer/internal/config"
	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/node"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeNode struct {
	hash     blob.Hash
	err      error
	files    map[string]string
	checked  string
	download node.DownloadRequest
	timeout  time.Duration
}

func (f *fakeNode) ID() wire.NodeID {
	var id wire.NodeID
	id[0] = 0xab

	return id
}

func (f *fakeNode) Addresses() node.Address {
	return node.Address{Host: "10.0.0.7", Port: 3282}
}

func (f *fakeNode) Upload(_ context.Context, files map[string]string, timeout time.Duration) (blob.Hash, error) {
	f.files, f.timeout = files, timeout
	return f.hash, f.err
}

func (f *fakeNode) CheckKey(_ context.Context, hash string, timeout time.Duration) (blob.Hash, error) {
	f.checked, f.timeout = hash, timeout
	return f.hash, f.err
}

func (f *fakeNode) Download(_ context.Context, req node.DownloadRequest) ([]string, error) {
	f.download = req
	if f.err != nil {
		return nil, f.err
	}

	return []string{filepath.Join(req.Dest, "out")}, nil
}

func post(t *testing.T, h http.Handler, body string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())

	return w.Code, out
}

func TestID(t *testing.T) {
	f := &fakeNode{}
	code, out := post(t, api.NewServer(f).Handler(), `{"command":"id"}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.ID().String(), out["id"])
	assert.Equal(t, node.Version, out["version"])
}

func TestAddresses(t *testing.T) {
	code, out := post(t, api.NewServer(&fakeNode{}).Handler(), `{"command":"addresses"}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{
		"TCP": map[string]any{"address": "10.0.0.7", "port": float64(3282)},
	}, out["addresses"])
}

func TestUpload(t *testing.T) {
	f := &fakeNode{hash: blob.Hash{1, 2, 3}}
	code, out := post(t, api.NewServer(f).Handler(),
		`{"command":"upload","id":"ignored","files":{"/tmp/resource":"e339a264"},"timeout":null}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.hash.String(), out["hash"])
	assert.Equal(t, map[string]string{"/tmp/resource": "e339a264"}, f.files)
	assert.Zero(t, f.timeout)
}

func TestCheckKey(t *testing.T) {
	f := &fakeNode{hash: blob.Hash{9}}
	code, out := post(t, api.NewServer(f).Handler(),
		`{"command":"upload","hash":"`+f.hash.String()+`","timeout":1.5}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.hash.String(), out["hash"])
	assert.Equal(t, f.hash.String(), f.checked)
	assert.Equal(t, 1500*time.Millisecond, f.timeout)
}

func TestCheckKey_NotFound(t *testing.T) {
	const unknown = "9854003e4a2b4aaf8c03a30ca4e2f4f0"

	f := &fakeNode{err: errors.NewNotFoundError(unknown)}
	code, out := post(t, api.NewServer(f).Handler(), `{"command":"upload","hash":"`+unknown+`"}`)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NotFoundError: Key not found in database ["+unknown+"]", out["error"])
}

func TestDownload(t *testing.T) {
	f := &fakeNode{}
	code, out := post(t, api.NewServer(f).Handler(), `{
		"command": "download",
		"hash": "00112233445566778899aabbccddeeff",
		"dest": "/tmp/x",
		"peers": [{"TCP": ["10.30.10.219", 3282]}, {"TCP": ["::1", 4000]}],
		"size": 1024,
		"timeout": 10
	}`)

	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, []any{"/tmp/x/out"}, out["files"])

	assert.Equal(t, "00112233445566778899aabbccddeeff", f.download.Hash)
	assert.Equal(t, "/tmp/x", f.download.Dest)
	assert.Equal(t, []string{"10.30.10.219:3282", "[::1]:4000"}, f.download.Peers)
	require.NotNil(t, f.download.Size)
	assert.Equal(t, uint64(1024), *f.download.Size)
	assert.Equal(t, 10*time.Second, f.download.Timeout)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		prefix string
	}{
		{"timeout", errors.NewTimeoutError(errors.ErrTimeout, "h"), http.StatusBadRequest, "TimeoutError: "},
		{"peers", errors.NewPeerUnavailableError(errors.ErrPeerUnavailable, "h"), http.StatusBadRequest, "PeerUnavailableError: "},
		{"mismatch", errors.NewHashMismatchError("a", "b"), http.StatusBadRequest, "HashMismatchError: "},
		{"protocol", errors.NewProtocolError(errors.New("bad opcode"), "p"), http.StatusBadRequest, "ProtocolError: "},
		{"io", errors.NewIOError(os.ErrPermission, "/x"), http.StatusInternalServerError, "IOError: "},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "UnknownError: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeNode{err: tt.err}
			code, out := post(t, api.NewServer(f).Handler(),
				`{"command":"download","hash":"00","dest":"/tmp","peers":[]}`)

			assert.Equal(t, tt.status, code)
			assert.True(t, strings.HasPrefix(out["error"].(string), tt.prefix), out["error"])
		})
	}
}

func TestBadCommands(t *testing.T) {
	h := api.NewServer(&fakeNode{}).Handler()

	for _, body := range []string{
		`{"command":"reboot"}`,
		`{"command":"upload"}`,
		`not json`,
		`{"command":"download","peers":[{"UDP":["1.2.3.4",1]}]}`,
		`{"command":"download","peers":[{"TCP":["1.2.3.4"]}]}`,
	} {
		code, out := post(t, h, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.True(t, strings.HasPrefix(out["error"].(string), "InvalidRequestError: "), out["error"])
	}
}

func TestPeerInfoJSON(t *testing.T) {
	b, err := json.Marshal(api.PeerInfo{Host: "10.30.10.219", Port: 3282})
	require.NoError(t, err)
	assert.JSONEq(t, `{"TCP":["10.30.10.219",3282]}`, string(b))

	var p api.PeerInfo
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Equal(t, api.PeerInfo{Host: "10.30.10.219", Port: 3282}, p)
}

func TestClient_EndToEnd(t *testing.T) {
	newNode := func() (*node.Node, *api.Client) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Listen = &config.AddrConfig{Host: "127.0.0.1", Port: 0}
		cfg.BlockSize = 512

		n, err := node.New(&cfg)
		require.NoError(t, err)
		require.NoError(t, n.Start())
		t.Cleanup(func() { n.Shutdown() })

		srv := httptest.NewServer(api.NewServer(n).Handler())
		t.Cleanup(srv.Close)

		return n, api.NewClient(strings.TrimPrefix(srv.URL, "http://"))
	}

	seeder, seedClient := newNode()
	_, leechClient := newNode()

	ctx := context.Background()

	data := bytes.Repeat([]byte("blobxfer"), 700)
	path := filepath.Join(t.TempDir(), "resource")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	id, err := seedClient.ID(ctx)
	require.NoError(t, err)
	assert.Equal(t, seeder.ID().String(), id.ID)

	addrs, err := seedClient.Addresses(ctx)
	require.NoError(t, err)

	hash, err := seedClient.Upload(ctx, path, "resource.bin", 0)
	require.NoError(t, err)

	_, err = leechClient.CheckKey(ctx, hash, 0)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.True(t, strings.HasPrefix(apiErr.Message, "NotFoundError"))

	dest := t.TempDir()
	peer := api.PeerInfo{Host: addrs.Addresses.TCP.Address, Port: uint16(addrs.Addresses.TCP.Port)}

	files, err := leechClient.Download(ctx, hash, dest, []api.PeerInfo{peer}, nil, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dest, "resource.bin")}, files)

	out, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, data, out)

	got, err := leechClient.CheckKey(ctx, hash, time.Second)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}
