package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

const (
	OpNop byte = iota
	OpHello
	OpAsk
	OpAskReply
)

// ProtoVersion is sent in every hello. Peers speaking another version are dropped.
const ProtoVersion uint8 = 1

// MaxPacketSize is the exclusive upper bound of an ask-reply payload (4 MiB).
const MaxPacketSize = 4 << 20

const (
	helloLen    = 1 + blob.HashLen
	askLen      = blob.HashLen
	askReplyLen = 4
)

var (
	// ErrProtocol is the parent of every decoding failure.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownOpcode indicates an opcode outside 0..3.
	ErrUnknownOpcode = fmt.Errorf("%w: unknown opcode", ErrProtocol)
	// ErrTruncated indicates the stream ended inside a packet body or payload.
	ErrTruncated = fmt.Errorf("%w: truncated packet", ErrProtocol)
	// ErrPacketTooBig indicates an ask-reply size of 4 MiB or more.
	ErrPacketTooBig = fmt.Errorf("%w: ask-reply larger than 4 MiB", ErrProtocol)
)

// NodeID is the opaque 128-bit identifier a peer presents in its hello.
type NodeID blob.Hash

// NewNodeID returns a random node id.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func (id NodeID) String() string { return blob.Hash(id).String() }

// Short is the first eight hex digits, for log lines.
func (id NodeID) Short() string { return id.String()[:8] }

func (id NodeID) MarshalText() ([]byte, error) { return blob.Hash(id).MarshalText() }

func (id *NodeID) UnmarshalText(b []byte) error { return (*blob.Hash)(id).UnmarshalText(b) }

// Packet is one decoded packet. Only the fields of Op are meaningful.
type Packet struct {
	Op      byte
	Version uint8     // hello
	NodeID  NodeID    // hello
	Hash    blob.Hash // ask
	Size    uint32    // ask-reply
}

func (p Packet) String() string {
	switch p.Op {
	case OpNop:
		return "nop"
	case OpHello:
		return fmt.Sprintf("hello(v%d, %s)", p.Version, p.NodeID.Short())
	case OpAsk:
		return fmt.Sprintf("ask(%s)", p.Hash)
	case OpAskReply:
		return fmt.Sprintf("ask-reply(%d)", p.Size)
	default:
		return fmt.Sprintf("op(%d)", p.Op)
	}
}

// Reader decodes packets from a stream. There is no outer framing: the
// opcode alone determines how many body bytes follow.
type Reader struct {
	r   io.Reader
	buf [1 + helloLen]byte
}

// NewReader creates a new packet reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket reads the next packet. A clean end of stream before the opcode
// is reported as io.EOF; anything shorter inside a body is ErrTruncated.
// After an ask-reply the caller must consume exactly Size bytes with
// ReadPayload before reading the next packet.
func (r *Reader) ReadPacket() (Packet, error) {
	if _, err := io.ReadFull(r.r, r.buf[:1]); err != nil {
		return Packet{}, err
	}

	p := Packet{Op: r.buf[0]}

	var n int

	switch p.Op {
	case OpNop:
		return p, nil
	case OpHello:
		n = helloLen
	case OpAsk:
		n = askLen
	case OpAskReply:
		n = askReplyLen
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, p.Op)
	}

	body := r.buf[1 : 1+n]
	if err := readBody(r.r, body); err != nil {
		return Packet{}, err
	}

	switch p.Op {
	case OpHello:
		p.Version = body[0]
		copy(p.NodeID[:], body[1:])
	case OpAsk:
		copy(p.Hash[:], body)
	case OpAskReply:
		p.Size = binary.LittleEndian.Uint32(body)
		if p.Size >= MaxPacketSize {
			return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketTooBig, p.Size)
		}
	}

	return p, nil
}

// ReadPayload fills p with the payload announced by the preceding ask-reply.
func (r *Reader) ReadPayload(p []byte) error {
	return readBody(r.r, p)
}

func readBody(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	return err
}

// Writer encodes packets. It is not safe for concurrent use; sessions
// serialize access with their own lock.
type Writer struct {
	w   io.Writer
	buf [1 + helloLen]byte
}

// NewWriter creates a new packet writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(n int) error {
	_, err := w.w.Write(w.buf[:n])
	return err
}

// WriteNop writes a keep-alive.
func (w *Writer) WriteNop() error {
	w.buf[0] = OpNop
	return w.write(1)
}

// WriteHello writes a hello carrying version and id.
func (w *Writer) WriteHello(version uint8, id NodeID) error {
	w.buf[0] = OpHello
	w.buf[1] = version
	copy(w.buf[2:], id[:])

	return w.write(1 + helloLen)
}

// WriteAsk requests the block or blob identified by h.
func (w *Writer) WriteAsk(h blob.Hash) error {
	w.buf[0] = OpAsk
	copy(w.buf[1:], h[:])

	return w.write(1 + askLen)
}

// WriteAskReply writes the ask-reply header and then the payload as a second
// write. An empty payload tells the asker the hash is unavailable.
func (w *Writer) WriteAskReply(payload []byte) error {
	if len(payload) >= MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooBig, len(payload))
	}

	w.buf[0] = OpAskReply
	binary.LittleEndian.PutUint32(w.buf[1:], uint32(len(payload)))

	if err := w.write(1 + askReplyLen); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := w.w.Write(payload)

	return err
}

// WritePacket writes p. An ask-reply written this way carries no payload
// bytes; use WriteAskReply to send a block.
func (w *Writer) WritePacket(p Packet) error {
	switch p.Op {
	case OpNop:
		return w.WriteNop()
	case OpHello:
		return w.WriteHello(p.Version, p.NodeID)
	case OpAsk:
		return w.WriteAsk(p.Hash)
	case OpAskReply:
		if p.Size >= MaxPacketSize {
			return fmt.Errorf("%w: %d bytes", ErrPacketTooBig, p.Size)
		}

		w.buf[0] = OpAskReply
		binary.LittleEndian.PutUint32(w.buf[1:], p.Size)

		return w.write(1 + askReplyLen)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOpcode, p.Op)
	}
}
