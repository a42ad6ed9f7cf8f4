package control

import (
	"encoding/binary"
	"net"

	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// Client speaks the control-channel protocol on behalf of bkpctl. One
// client is one session against one mount's server.
type Client struct {
	conn net.Conn
}

// Dial connects to a control server's unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "control.dial", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	if err := WriteRequest(c.conn, req); err != nil {
		return nil, errors.Wrap(errors.KindIO, "control.send", req.Path, err)
	}
	resp, err := ReadResponse(c.conn)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "control.recv", req.Path, err)
	}
	if resp.Status != statusOK {
		return nil, ErrorFromStatus(resp.Status, OpName(req.Opcode))
	}
	return resp, nil
}

func (c *Client) u32Op(opcode uint32, path string) (uint32, error) {
	resp, err := c.roundTrip(&Request{Opcode: opcode, Path: path})
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) != 4 {
		return 0, errors.New(errors.KindIO, "control.recv", path)
	}
	return binary.LittleEndian.Uint32(resp.Payload), nil
}

// GetMaxVersions returns the mount's retention window.
func (c *Client) GetMaxVersions(path string) (uint32, error) {
	return c.u32Op(OpGetMaxVersions, path)
}

// GetNumVersions returns the number of retained versions of the file.
func (c *Client) GetNumVersions(path string) (uint32, error) {
	return c.u32Op(OpGetNumVersions, path)
}

// GetSize returns the byte size of the selected backup.
func (c *Client) GetSize(path string, sel engine.Selector) (uint64, error) {
	resp, err := c.roundTrip(&Request{Opcode: OpGetSize, Path: path, Selector: sel})
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) != 8 {
		return 0, errors.New(errors.KindIO, "control.recv", path)
	}
	return binary.LittleEndian.Uint64(resp.Payload), nil
}

// View reads length bytes of the selected backup at the given offset.
// Length must not exceed MaxViewChunk.
func (c *Client) View(path string, sel engine.Selector, offset uint64, length uint32) ([]byte, error) {
	resp, err := c.roundTrip(&Request{
		Opcode:   OpView,
		Path:     path,
		Selector: sel,
		Offset:   offset,
		BufLen:   length,
	})
	if err != nil {
		return nil, err
	}
	if uint32(len(resp.Payload)) != length {
		return nil, errors.New(errors.KindIO, "control.recv", path)
	}
	return resp.Payload, nil
}

// Delete removes the selected backup, or all of them under SelAll.
func (c *Client) Delete(path string, sel engine.Selector) error {
	_, err := c.roundTrip(&Request{Opcode: OpDelete, Path: path, Selector: sel})
	return err
}

// Restore copies the selected backup's contents back over the file.
func (c *Client) Restore(path string, sel engine.Selector) error {
	_, err := c.roundTrip(&Request{Opcode: OpRestore, Path: path, Selector: sel})
	return err
}
