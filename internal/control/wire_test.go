package control

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"get_max", Request{Opcode: OpGetMaxVersions, Path: "/mnt/f"}},
		{"get_count", Request{Opcode: OpGetNumVersions, Path: "/mnt/dir/f"}},
		{"get_size", Request{Opcode: OpGetSize, Path: "/mnt/f", Selector: engine.Newest()}},
		{"delete_all", Request{Opcode: OpDelete, Path: "/mnt/f", Selector: engine.All()}},
		{"restore_nth", Request{Opcode: OpRestore, Path: "/mnt/f", Selector: engine.Nth(3)}},
		{"view", Request{
			Opcode:   OpView,
			Path:     "/mnt/f",
			Selector: engine.Oldest(),
			Offset:   8192,
			BufLen:   4096,
		}},
		{"passthrough", Request{Opcode: 99, Path: "/mnt/f"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteRequest(&buf, &tt.req))
			got, err := ReadRequest(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.req, *got)
			assert.Zero(t, buf.Len(), "trailing bytes on the wire")
		})
	}
}

func TestRequestBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Opcode: OpGetMaxVersions, Path: "/f"}))
	raw := buf.Bytes()
	raw[0] ^= 0xff

	_, err := ReadRequest(bytes.NewReader(raw))
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestRequestTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Opcode: OpView, Path: "/f", BufLen: 16}))
	raw := buf.Bytes()

	_, err := ReadRequest(bytes.NewReader(raw[:len(raw)-3]))
	assert.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp Response
	}{
		{"ok_empty", Response{Status: statusOK}},
		{"ok_payload", Response{Status: statusOK, Payload: []byte{1, 2, 3, 4}}},
		{"error", Response{Status: statusFromError(errors.New(errors.KindNotFound, "", ""))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteResponse(&buf, &tt.resp))
			got, err := ReadResponse(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.resp.Status, got.Status)
			assert.Equal(t, tt.resp.Payload, got.Payload)
		})
	}
}

func TestStatusErrorMapping(t *testing.T) {
	for _, kind := range []errors.Kind{
		errors.KindNotFound, errors.KindExists, errors.KindInvalidArgument,
		errors.KindNameTooLong, errors.KindIsDirectory, errors.KindNoMemory,
		errors.KindPermission, errors.KindIO, errors.KindConflict,
		errors.KindUnsupported,
	} {
		status := statusFromError(errors.New(kind, "op", "p"))
		err := ErrorFromStatus(status, "op")
		require.Error(t, err)
		assert.Equal(t, kind, errors.KindOf(err), "kind %v", kind)
	}

	assert.NoError(t, ErrorFromStatus(statusOK, "op"))

	// uncategorized failures survive as uncategorized
	status := statusFromError(assert.AnError)
	assert.Equal(t, statusOther, status)
	assert.Equal(t, errors.KindOther, errors.KindOf(ErrorFromStatus(status, "op")))
}

func TestOpName(t *testing.T) {
	assert.Equal(t, "get_max", OpName(OpGetMaxVersions))
	assert.Equal(t, "get_count", OpName(OpGetNumVersions))
	assert.Equal(t, "list", OpName(OpListVersions))
	assert.Equal(t, "restore", OpName(OpRestore))
	assert.Equal(t, "delete", OpName(OpDelete))
	assert.Equal(t, "view", OpName(OpView))
	assert.Equal(t, "get_size", OpName(OpGetSize))
	assert.Equal(t, "passthrough", OpName(42))
}
