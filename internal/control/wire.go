// Package control implements the request/response channel between the
// unprivileged client tool and the versioning engine: the wire codec,
// the unix-socket server embedded in the mount daemon, and the client
// used by bkpctl.
package control

import (
	"encoding/binary"
	"io"

	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// Operation codes. The integers are stable wire values; List is reserved
// for the client-side listing and is not implemented by the server.
const (
	OpGetMaxVersions uint32 = 0
	OpGetNumVersions uint32 = 1
	OpListVersions   uint32 = 2
	OpRestore        uint32 = 3
	OpDelete         uint32 = 4
	OpView           uint32 = 5
	OpGetSize        uint32 = 6
)

// opKnown is the highest opcode the engine implements; anything above is
// delegated to the lower filesystem.
const opKnown = OpGetSize

// requestMagic guards against strangers on the socket.
const requestMagic uint32 = 0x42004b50

// MaxViewChunk is the largest View transfer per request: one page. The
// client paginates; the server keeps no session state.
const MaxViewChunk = 4096

// maxPathLen bounds the path field of a request.
const maxPathLen = 4095

// OpName returns the metric/log label for an opcode.
func OpName(op uint32) string {
	switch op {
	case OpGetMaxVersions:
		return "get_max"
	case OpGetNumVersions:
		return "get_count"
	case OpListVersions:
		return "list"
	case OpRestore:
		return "restore"
	case OpDelete:
		return "delete"
	case OpView:
		return "view"
	case OpGetSize:
		return "get_size"
	default:
		return "passthrough"
	}
}

// Request is one control-channel request. Selector, Offset and BufLen
// are meaningful only for the opcodes that carry them.
type Request struct {
	Opcode   uint32
	Path     string
	Selector engine.Selector
	Offset   uint64
	BufLen   uint32
}

// Response carries the outcome of a request. Status zero is success;
// other values are error-kind codes (see statusFromError).
type Response struct {
	Status  uint8
	Payload []byte
}

const statusOK uint8 = 0

// statusOther is the wire value for failures outside the closed kind set.
const statusOther uint8 = 255

func statusFromError(err error) uint8 {
	if err == nil {
		return statusOK
	}
	kind := errors.KindOf(err)
	if kind == errors.KindOther {
		return statusOther
	}
	return uint8(kind)
}

// ErrorFromStatus reconstructs the error a non-zero status encodes.
func ErrorFromStatus(status uint8, op string) error {
	if status == statusOK {
		return nil
	}
	kind := errors.KindOther
	if status >= uint8(errors.KindNotFound) && status <= uint8(errors.KindUnsupported) {
		kind = errors.Kind(status)
	}
	return errors.New(kind, op, "")
}

// selectorCarrier reports whether the opcode's record includes a selector.
func selectorCarrier(op uint32) bool {
	switch op {
	case OpRestore, OpDelete, OpView, OpGetSize:
		return true
	}
	return false
}

// WriteRequest encodes a request onto the wire.
func WriteRequest(w io.Writer, req *Request) error {
	if len(req.Path) > maxPathLen {
		return errors.New(errors.KindNameTooLong, "control.encode", req.Path)
	}
	buf := make([]byte, 0, 32+len(req.Path))
	buf = binary.LittleEndian.AppendUint32(buf, requestMagic)
	buf = binary.LittleEndian.AppendUint32(buf, req.Opcode)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(req.Path)))
	buf = append(buf, req.Path...)
	if selectorCarrier(req.Opcode) {
		buf = append(buf, byte(req.Selector.Tag))
		buf = binary.LittleEndian.AppendUint32(buf, req.Selector.N)
	}
	if req.Opcode == OpView {
		buf = binary.LittleEndian.AppendUint64(buf, req.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, req.BufLen)
	}
	_, err := w.Write(buf)
	return err
}

// ReadRequest decodes one request from the wire. io.EOF before the first
// byte means the peer closed cleanly.
func ReadRequest(r io.Reader) (*Request, error) {
	var header [10]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != requestMagic {
		return nil, errors.New(errors.KindInvalidArgument, "control.decode", "bad magic")
	}
	req := &Request{Opcode: binary.LittleEndian.Uint32(header[4:8])}

	pathLen := binary.LittleEndian.Uint16(header[8:10])
	if pathLen > maxPathLen {
		return nil, errors.New(errors.KindNameTooLong, "control.decode", "")
	}
	path := make([]byte, pathLen)
	if _, err := io.ReadFull(r, path); err != nil {
		return nil, err
	}
	req.Path = string(path)

	if selectorCarrier(req.Opcode) {
		var sel [5]byte
		if _, err := io.ReadFull(r, sel[:]); err != nil {
			return nil, err
		}
		req.Selector = engine.Selector{
			Tag: engine.SelectorTag(sel[0]),
			N:   binary.LittleEndian.Uint32(sel[1:5]),
		}
	}
	if req.Opcode == OpView {
		var rest [12]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return nil, err
		}
		req.Offset = binary.LittleEndian.Uint64(rest[0:8])
		req.BufLen = binary.LittleEndian.Uint32(rest[8:12])
	}
	return req, nil
}

// WriteResponse encodes a response onto the wire.
func WriteResponse(w io.Writer, resp *Response) error {
	buf := make([]byte, 0, 5+len(resp.Payload))
	buf = append(buf, resp.Status)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(resp.Payload)))
	buf = append(buf, resp.Payload...)
	_, err := w.Write(buf)
	return err
}

// maxPayload bounds a response body well above any legal View chunk.
const maxPayload = 1 << 20

// ReadResponse decodes one response from the wire.
func ReadResponse(r io.Reader) (*Response, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	resp := &Response{Status: header[0]}
	n := binary.LittleEndian.Uint32(header[1:5])
	if n > maxPayload {
		return nil, errors.New(errors.KindInvalidArgument, "control.decode", "oversized payload")
	}
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
