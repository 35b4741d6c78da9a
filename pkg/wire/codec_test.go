package wire_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/blobxfer/pkg/blob"
	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

func newReaderWriter(t *testing.T) (*wire.Reader, *wire.Writer, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}

	return wire.NewReader(buf), wire.NewWriter(buf), buf
}

func TestPacketRoundTrip(t *testing.T) {
	id := wire.NewNodeID()
	h := blob.SumBytes(blob.DefaultHasher(), []byte("block"))

	tests := []struct {
		name    string
		write   func(*wire.Writer) error
		wireLen int
		want    wire.Packet
	}{
		{
			name:    "nop",
			write:   (*wire.Writer).WriteNop,
			wireLen: 1,
			want:    wire.Packet{Op: wire.OpNop},
		},
		{
			name:    "hello",
			write:   func(w *wire.Writer) error { return w.WriteHello(wire.ProtoVersion, id) },
			wireLen: 18,
			want:    wire.Packet{Op: wire.OpHello, Version: wire.ProtoVersion, NodeID: id},
		},
		{
			name:    "ask",
			write:   func(w *wire.Writer) error { return w.WriteAsk(h) },
			wireLen: 17,
			want:    wire.Packet{Op: wire.OpAsk, Hash: h},
		},
		{
			name:    "ask-reply header",
			write:   func(w *wire.Writer) error { return w.WritePacket(wire.Packet{Op: wire.OpAskReply, Size: 7}) },
			wireLen: 5,
			want:    wire.Packet{Op: wire.OpAskReply, Size: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, w, buf := newReaderWriter(t)

			require.NoError(t, tt.write(w))
			assert.Equal(t, tt.wireLen, buf.Len())

			got, err := r.ReadPacket()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestAskReplyWithPayload(t *testing.T) {
	r, w, _ := newReaderWriter(t)
	payload := []byte("0123456789")

	require.NoError(t, w.WriteAskReply(payload))
	require.NoError(t, w.WriteNop())

	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, wire.OpAskReply, p.Op)
	require.Equal(t, uint32(len(payload)), p.Size)

	got := make([]byte, p.Size)
	require.NoError(t, r.ReadPayload(got))
	assert.Equal(t, payload, got)

	next, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, wire.OpNop, next.Op)
}

func TestLittleEndianLayout(t *testing.T) {
	_, w, buf := newReaderWriter(t)

	require.NoError(t, w.WriteAskReply(make([]byte, 0x0102)))
	assert.Equal(t, []byte{wire.OpAskReply, 0x02, 0x01, 0x00, 0x00}, buf.Bytes()[:5])

	var h blob.Hash
	h[0] = 0xff

	buf.Reset()
	require.NoError(t, w.WriteAsk(h))
	assert.Equal(t, byte(0xff), buf.Bytes()[1])
	assert.Equal(t, "000000000000000000000000000000ff", h.String())
}

type countingWriter struct {
	writes [][]byte
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestAskReplyPayloadIsSeparateWrite(t *testing.T) {
	cw := &countingWriter{}
	w := wire.NewWriter(cw)

	require.NoError(t, w.WriteAskReply([]byte("abc")))
	require.Len(t, cw.writes, 2)
	assert.Len(t, cw.writes[0], 5)
	assert.Equal(t, []byte("abc"), cw.writes[1])

	cw.writes = nil
	require.NoError(t, w.WriteAskReply(nil))
	assert.Len(t, cw.writes, 1, "an unavailable reply has no payload write")
}

func TestDecodeErrors(t *testing.T) {
	tooBig := make([]byte, 5)
	tooBig[0] = wire.OpAskReply
	binary.LittleEndian.PutUint32(tooBig[1:], wire.MaxPacketSize)

	justFits := make([]byte, 5)
	justFits[0] = wire.OpAskReply
	binary.LittleEndian.PutUint32(justFits[1:], wire.MaxPacketSize-1)

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "unknown opcode", input: []byte{4}, wantErr: wire.ErrUnknownOpcode},
		{name: "truncated hello", input: []byte{wire.OpHello, 1, 2, 3}, wantErr: wire.ErrTruncated},
		{name: "truncated ask", input: append([]byte{wire.OpAsk}, make([]byte, 15)...), wantErr: wire.ErrTruncated},
		{name: "truncated ask-reply", input: []byte{wire.OpAskReply, 0, 0}, wantErr: wire.ErrTruncated},
		{name: "oversized ask-reply", input: tooBig, wantErr: wire.ErrPacketTooBig},
		{name: "largest ask-reply", input: justFits},
		{name: "empty stream", input: nil, wantErr: io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := wire.NewReader(bytes.NewReader(tt.input))

			_, err := r.ReadPacket()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.wantErr)

			if tt.wantErr != io.EOF {
				assert.ErrorIs(t, err, wire.ErrProtocol)
			}
		})
	}
}

func TestTruncatedPayload(t *testing.T) {
	r := wire.NewReader(bytes.NewReader([]byte("ab")))

	err := r.ReadPayload(make([]byte, 4))
	assert.ErrorIs(t, err, wire.ErrTruncated)
}

func TestWriteOversized(t *testing.T) {
	cw := &countingWriter{}
	w := wire.NewWriter(cw)

	err := w.WriteAskReply(make([]byte, wire.MaxPacketSize))
	require.ErrorIs(t, err, wire.ErrPacketTooBig)
	assert.Empty(t, cw.writes)

	err = w.WritePacket(wire.Packet{Op: 9})
	assert.ErrorIs(t, err, wire.ErrUnknownOpcode)
}

func TestNodeIDText(t *testing.T) {
	id := wire.NewNodeID()

	b, err := id.MarshalText()
	require.NoError(t, err)

	var back wire.NodeID
	require.NoError(t, back.UnmarshalText(b))
	assert.Equal(t, id, back)
	assert.Equal(t, id.String()[:8], id.Short())
}
