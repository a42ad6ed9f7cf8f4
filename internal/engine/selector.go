package engine

import (
	"fmt"

	"github.com/bkpfs/bkpfs/internal/meta"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// SelectorTag distinguishes the symbolic version designators.
type SelectorTag uint8

const (
	// SelOldest designates the lowest retained version.
	SelOldest SelectorTag = iota
	// SelNewest designates the highest retained version.
	SelNewest
	// SelAll designates every retained version; valid for delete only.
	SelAll
	// SelNth designates the N-th retained version, 1-indexed from oldest.
	SelNth
)

// Selector designates one retained version (or, for delete, all of
// them). N is meaningful only under SelNth.
type Selector struct {
	Tag SelectorTag
	N   uint32
}

// Oldest returns the oldest-version selector.
func Oldest() Selector { return Selector{Tag: SelOldest} }

// Newest returns the newest-version selector.
func Newest() Selector { return Selector{Tag: SelNewest} }

// All returns the every-version selector.
func All() Selector { return Selector{Tag: SelAll} }

// Nth returns the selector for the n-th retained version, counted from
// the oldest.
func Nth(n uint32) Selector { return Selector{Tag: SelNth, N: n} }

// String renders the selector the way the client spells it.
func (s Selector) String() string {
	switch s.Tag {
	case SelOldest:
		return "oldest"
	case SelNewest:
		return "newest"
	case SelAll:
		return "all"
	default:
		return fmt.Sprintf("%d", s.N)
	}
}

// Resolve maps the selector onto a concrete version number within the
// retained window of rec. An empty window or an out-of-range N yields
// KindNotFound; SelAll does not resolve to a single version and yields
// KindInvalidArgument.
func (s Selector) Resolve(rec meta.Record) (uint32, error) {
	if rec.Empty() {
		return 0, errors.New(errors.KindNotFound, "engine.selector", s.String())
	}
	switch s.Tag {
	case SelOldest:
		return rec.StartVer, nil
	case SelNewest:
		return rec.CurVer - 1, nil
	case SelNth:
		if s.N < 1 || s.N > rec.Count() {
			return 0, errors.New(errors.KindNotFound, "engine.selector", s.String())
		}
		return rec.StartVer + s.N - 1, nil
	default:
		return 0, errors.New(errors.KindInvalidArgument, "engine.selector", s.String())
	}
}
