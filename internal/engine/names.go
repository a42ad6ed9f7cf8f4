package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bkpfs/bkpfs/pkg/errors"
)

// BackupPrefix marks backup objects; the directory filter suppresses any
// entry carrying it.
const BackupPrefix = ".bkp_"

// maxBasename caps the target basename so the backup name always fits
// the lower filesystem's name limit.
const maxBasename = 230

// BackupName returns the sibling object name for version ver of a target
// file basename, failing with KindNameTooLong past the basename cap.
func BackupName(base string, ver uint32) (string, error) {
	if len(base) > maxBasename {
		return "", errors.New(errors.KindNameTooLong, "engine.name", base)
	}
	return fmt.Sprintf("%s%s.%d", BackupPrefix, base, ver), nil
}

// IsBackupName reports whether a directory entry names a backup object.
func IsBackupName(name string) bool {
	return strings.HasPrefix(name, BackupPrefix)
}

// ParseBackupName splits a backup object name into the target basename
// and version number. The second return is false for names that are not
// well-formed backup names.
func ParseBackupName(name string) (string, uint32, bool) {
	if !IsBackupName(name) {
		return "", 0, false
	}
	rest := name[len(BackupPrefix):]
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return "", 0, false
	}
	ver, err := strconv.ParseUint(rest[dot+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return rest[:dot], uint32(ver), true
}
