// Package meta persists the per-file version counter pair
// (start_ver, cur_ver) as a single extended attribute on the lower
// object. The xattr interface gives single-value atomicity, couples the
// record's lifetime to the file and survives rename on most lower
// filesystems.
package meta

import (
	"encoding/binary"

	"github.com/bkpfs/bkpfs/internal/lower"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// Key is the extended-attribute name holding the version record.
const Key = "user.bkpfs.vers"

// recordSize is the fixed width of the encoded record: two u32 LE.
const recordSize = 8

// Record is the durable version counter pair of a target file.
//
// StartVer is the lowest retained backup version; CurVer is the number
// the next backup will take. The retained versions are
// [StartVer, CurVer-1]; the pair (1,1) means no backups.
type Record struct {
	StartVer uint32
	CurVer   uint32
}

// Empty reports whether no versions are retained.
func (r Record) Empty() bool {
	return r.CurVer == r.StartVer
}

// Count returns the number of retained versions.
func (r Record) Count() uint32 {
	return r.CurVer - r.StartVer
}

// Valid reports whether the record satisfies 1 <= start <= cur.
func (r Record) Valid() bool {
	return r.StartVer >= 1 && r.StartVer <= r.CurVer
}

// Encode renders the record in its fixed wire layout.
func (r Record) Encode() []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.StartVer)
	binary.LittleEndian.PutUint32(buf[4:8], r.CurVer)
	return buf
}

// Decode parses a record, rejecting truncated or invariant-violating
// values.
func Decode(buf []byte) (Record, error) {
	if len(buf) != recordSize {
		return Record{}, errors.New(errors.KindInvalidArgument, "meta.decode", "")
	}
	r := Record{
		StartVer: binary.LittleEndian.Uint32(buf[0:4]),
		CurVer:   binary.LittleEndian.Uint32(buf[4:8]),
	}
	if !r.Valid() {
		return Record{}, errors.New(errors.KindInvalidArgument, "meta.decode", "")
	}
	return r, nil
}

// Store reads and writes version records through the lower adapter.
type Store struct {
	adapter *lower.Adapter
}

// NewStore creates a metadata store over the given lower adapter.
func NewStore(adapter *lower.Adapter) *Store {
	return &Store{adapter: adapter}
}

// Load returns the version record of the file at the mount-relative
// path. A file with no record yet reads as (1,1); any other failure is
// surfaced.
func (s *Store) Load(rel string) (Record, error) {
	buf, err := s.adapter.XattrGet(rel, Key)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			// the attribute is absent; a missing file is surfaced as such
			if _, serr := s.adapter.Stat(rel); serr != nil {
				return Record{}, serr
			}
			return Record{StartVer: 1, CurVer: 1}, nil
		}
		return Record{}, err
	}
	rec, err := Decode(buf)
	if err != nil {
		return Record{}, errors.Wrap(errors.KindIO, "meta.load", rel, err)
	}
	return rec, nil
}

// Save writes the full record in one xattr call.
func (s *Store) Save(rel string, rec Record) error {
	if !rec.Valid() {
		return errors.New(errors.KindInvalidArgument, "meta.save", rel)
	}
	return s.adapter.XattrSet(rel, Key, rec.Encode())
}
