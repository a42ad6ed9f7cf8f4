package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkpfs/bkpfs/internal/meta"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

func TestSelectorResolve(t *testing.T) {
	// retained window: versions 3..5
	rec := meta.Record{StartVer: 3, CurVer: 6}

	tests := []struct {
		sel  Selector
		want uint32
	}{
		{Oldest(), 3},
		{Newest(), 5},
		{Nth(1), 3},
		{Nth(2), 4},
		{Nth(3), 5},
	}
	for _, tt := range tests {
		got, err := tt.sel.Resolve(rec)
		require.NoError(t, err, "selector %s", tt.sel)
		assert.Equal(t, tt.want, got, "selector %s", tt.sel)
	}
}

func TestSelectorResolveOutOfRange(t *testing.T) {
	rec := meta.Record{StartVer: 3, CurVer: 6}

	for _, sel := range []Selector{Nth(0), Nth(4), Nth(100)} {
		_, err := sel.Resolve(rec)
		assert.True(t, errors.IsKind(err, errors.KindNotFound), "selector %s", sel)
	}
}

func TestSelectorResolveEmptyWindow(t *testing.T) {
	rec := meta.Record{StartVer: 1, CurVer: 1}
	for _, sel := range []Selector{Oldest(), Newest(), Nth(1), All()} {
		_, err := sel.Resolve(rec)
		assert.True(t, errors.IsKind(err, errors.KindNotFound), "selector %s", sel)
	}
}

func TestSelectorResolveAll(t *testing.T) {
	rec := meta.Record{StartVer: 1, CurVer: 3}
	_, err := All().Resolve(rec)
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "oldest", Oldest().String())
	assert.Equal(t, "newest", Newest().String())
	assert.Equal(t, "all", All().String())
	assert.Equal(t, "4", Nth(4).String())
}
