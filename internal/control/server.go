package control

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/internal/metrics"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// Server demultiplexes control requests onto the versioning engine. One
// server serves one mount; requests name files by their user-visible
// path under the mountpoint.
type Server struct {
	engine     *engine.Engine
	mountPoint string
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a control server for the engine behind the given
// mountpoint.
func NewServer(eng *engine.Engine, mountPoint string, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:     eng,
		mountPoint: filepath.Clean(mountPoint),
		metrics:    collector,
		logger:     logger,
	}
}

// Listen binds the unix socket, replacing a stale one left by a previous
// daemon.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindIO, "control.listen", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrap(errors.KindIO, "control.listen", socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close. Each connection is one client
// session: open, a sequence of operations, close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New(errors.KindInvalidArgument, "control.serve", "not listening")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(errors.KindIO, "control.serve", "", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener and waits for in-flight sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := ReadRequest(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("control: request decode failed", "error", err)
			}
			return
		}
		resp := s.dispatch(req)
		if err := WriteResponse(conn, resp); err != nil {
			s.logger.Debug("control: response write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	op := OpName(req.Opcode)
	s.metrics.RecordControlRequest(op)

	payload, err := s.execute(req)
	if err != nil {
		s.metrics.RecordControlError(op)
		s.logger.Debug("control: request failed",
			"op", op, "path", req.Path, "error", err)
		return &Response{Status: statusFromError(err)}
	}
	return &Response{Status: statusOK, Payload: payload}
}

// resolve maps a user-visible path under the mountpoint to the
// mount-relative path and rejects directory targets with KindIsDirectory.
func (s *Server) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", errors.New(errors.KindInvalidArgument, "control.resolve", path)
	}
	rel, err := filepath.Rel(s.mountPoint, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.New(errors.KindInvalidArgument, "control.resolve", path)
	}
	st, err := s.engine.Adapter().Stat(rel)
	if err != nil {
		return "", err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return "", errors.New(errors.KindIsDirectory, "control.resolve", path)
	}
	return rel, nil
}

func (s *Server) execute(req *Request) ([]byte, error) {
	rel, err := s.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	switch req.Opcode {
	case OpGetMaxVersions:
		return u32Payload(s.engine.MaxVersions()), nil

	case OpGetNumVersions:
		count, err := s.engine.Count(rel)
		if err != nil {
			return nil, err
		}
		return u32Payload(count), nil

	case OpGetSize:
		size, err := s.engine.Size(rel, req.Selector)
		if err != nil {
			return nil, err
		}
		return u64Payload(size), nil

	case OpView:
		if req.BufLen == 0 || req.BufLen > MaxViewChunk {
			return nil, errors.New(errors.KindInvalidArgument, "control.view", req.Path)
		}
		buf := make([]byte, req.BufLen)
		if err := s.engine.View(rel, req.Selector, int64(req.Offset), buf); err != nil {
			return nil, err
		}
		return buf, nil

	case OpDelete:
		return nil, s.engine.Delete(rel, req.Selector)

	case OpRestore:
		if req.Selector.Tag == engine.SelAll {
			return nil, errors.New(errors.KindInvalidArgument, "control.restore", req.Path)
		}
		return nil, s.engine.Restore(rel, req.Selector)

	case OpListVersions:
		// Listing is composed client-side from get_count plus the naming
		// convention; the opcode stays reserved.
		return nil, errors.New(errors.KindUnsupported, "control.list", req.Path)

	default:
		return s.passthrough(rel, req.Opcode)
	}
}

// passthrough re-issues an opcode the engine does not recognize as an
// ioctl on the lower object, the way the stacking layer forwards foreign
// ioctls.
func (s *Server) passthrough(rel string, opcode uint32) ([]byte, error) {
	h, err := s.engine.Adapter().Open(rel, unix.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	ret, err := unix.IoctlRetInt(h.Fd(), uint(opcode))
	if err != nil {
		return nil, errors.FromErrno("control.passthrough", rel, err)
	}
	return u32Payload(uint32(ret)), nil
}

func u32Payload(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func u64Payload(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}
