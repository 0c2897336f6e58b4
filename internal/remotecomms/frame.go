package remotecomms

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/oriys/vatkernel/internal/domain"
)

// maxFrameSize bounds an inbound frame's declared length, the same 16MB
// ceiling the teacher's kata client enforces on its own length-prefixed
// protocol.
const maxFrameSize = 16 * 1024 * 1024

// FrameKind tags one length-prefixed wire frame per spec.md section 4.7/6.
type FrameKind string

const (
	FrameDeliver FrameKind = "deliver"
	FrameRedeem  FrameKind = "redeem"
	FrameResolve FrameKind = "resolve"
)

// Frame is the length-prefixed UTF-8 JSON record exchanged between peers:
// {kind, token?, method?, args, result?}. Identical in spirit to an ordinary
// kernel delivery after translation, just carried over a socket instead of
// the run queue.
type Frame struct {
	Kind     FrameKind       `json:"kind"`
	Token    string          `json:"token,omitempty"`
	Method   string          `json:"method,omitempty"`
	Args     domain.CapData  `json:"args"`
	Result   *domain.CapData `json:"result,omitempty"`
	Rejected bool            `json:"rejected,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// writeFrame marshals f and writes it to conn as a 4-byte big-endian length
// prefix followed by the JSON body, grounded directly on the teacher's
// kata.Client.sendLocked framing.
func writeFrame(conn net.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// readFrame reads one length-prefixed frame from conn, the receive-side
// counterpart of writeFrame (grounded on kata.Client.receiveLocked).
func readFrame(conn net.Conn) (Frame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxFrameSize {
		return Frame{}, fmt.Errorf("frame too large: %d bytes (max %d)", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(conn, data); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}
