package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkpfs/bkpfs/internal/lower"
	"github.com/bkpfs/bkpfs/internal/meta"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// harness is an engine over a scratch lower directory with the policy
// the end-to-end scenarios use: retention window 3, threshold 4 bytes.
type harness struct {
	t       *testing.T
	eng     *Engine
	adapter *lower.Adapter
	store   *meta.Store
}

func newHarness(t *testing.T, maxVers, threshold uint32) *harness {
	t.Helper()
	adapter, err := lower.New(t.TempDir())
	require.NoError(t, err)
	if !adapter.XattrSupported() {
		t.Skip("lower filesystem lacks user xattr support")
	}
	eng := New(adapter, Options{
		MaxVersions:     maxVers,
		BackupThreshold: threshold,
	})
	return &harness{t: t, eng: eng, adapter: adapter, store: meta.NewStore(adapter)}
}

// write commits content to the file and runs the write-path policy with
// the payload size as the requested count, the way the stacking layer
// does after a full overwrite.
func (h *harness) write(rel, content string) error {
	h.t.Helper()
	path := h.adapter.Abs(rel)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	return h.eng.BackupAfterWrite(rel, len(content))
}

func (h *harness) record(rel string) meta.Record {
	h.t.Helper()
	rec, err := h.store.Load(rel)
	require.NoError(h.t, err)
	return rec
}

// backupNames returns the backup-object names present next to rel.
func (h *harness) backupNames(rel string) []string {
	h.t.Helper()
	dir := filepath.Dir(h.adapter.Abs(rel))
	entries, err := os.ReadDir(dir)
	require.NoError(h.t, err)
	var names []string
	for _, e := range entries {
		if IsBackupName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

func (h *harness) viewAll(rel string, sel Selector) string {
	h.t.Helper()
	size, err := h.eng.Size(rel, sel)
	require.NoError(h.t, err)
	buf := make([]byte, size)
	if size > 0 {
		require.NoError(h.t, h.eng.View(rel, sel, 0, buf))
	}
	return string(buf)
}

func TestThresholdGate(t *testing.T) {
	h := newHarness(t, 3, 4)

	require.NoError(t, h.write("f", "abc"))

	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
	assert.Empty(t, h.backupNames("f"))
}

func TestFirstBackupAndOverwrite(t *testing.T) {
	h := newHarness(t, 3, 4)

	// snapshots capture post-write contents
	require.NoError(t, h.write("f", "AAAAAAAA"))
	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	assert.Equal(t, "AAAAAAAA", h.viewAll("f", Newest()))

	require.NoError(t, h.write("f", "BBBBBBBB"))
	count, err = h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)
	assert.Equal(t, "BBBBBBBB", h.viewAll("f", Newest()))
	assert.Equal(t, "AAAAAAAA", h.viewAll("f", Oldest()))
}

func fiveWrites(t *testing.T, h *harness) {
	t.Helper()
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.write("f", fmt.Sprintf("CCCCCCC%d", i)))
	}
}

func TestRetentionWindow(t *testing.T) {
	h := newHarness(t, 3, 4)
	fiveWrites(t, h)

	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), count)

	// window slid to versions 3..5
	assert.Equal(t, meta.Record{StartVer: 3, CurVer: 6}, h.record("f"))
	assert.ElementsMatch(t,
		[]string{".bkp_f.3", ".bkp_f.4", ".bkp_f.5"},
		h.backupNames("f"))

	assert.Equal(t, "CCCCCCC3", h.viewAll("f", Oldest()))
	assert.Equal(t, "CCCCCCC5", h.viewAll("f", Newest()))
	assert.Equal(t, "CCCCCCC4", h.viewAll("f", Nth(2)))
}

func TestDeleteOldest(t *testing.T) {
	h := newHarness(t, 3, 4)
	fiveWrites(t, h)

	require.NoError(t, h.eng.Delete("f", Oldest()))

	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)
	assert.Equal(t, meta.Record{StartVer: 4, CurVer: 6}, h.record("f"))
	assert.ElementsMatch(t, []string{".bkp_f.4", ".bkp_f.5"}, h.backupNames("f"))
}

func TestDeleteNewest(t *testing.T) {
	h := newHarness(t, 3, 4)
	fiveWrites(t, h)

	require.NoError(t, h.eng.Delete("f", Newest()))

	assert.Equal(t, meta.Record{StartVer: 3, CurVer: 5}, h.record("f"))
	assert.ElementsMatch(t, []string{".bkp_f.3", ".bkp_f.4"}, h.backupNames("f"))
}

func TestDeleteAll(t *testing.T) {
	h := newHarness(t, 3, 4)
	fiveWrites(t, h)

	require.NoError(t, h.eng.Delete("f", All()))

	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
	assert.Equal(t, meta.Record{StartVer: 1, CurVer: 1}, h.record("f"))
	assert.Empty(t, h.backupNames("f"))
}

func TestDeleteToEmptyNormalizes(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, h.write("f", "AAAAAAAA"))

	require.NoError(t, h.eng.Delete("f", Newest()))
	assert.Equal(t, meta.Record{StartVer: 1, CurVer: 1}, h.record("f"))

	require.NoError(t, h.write("f", "BBBBBBBB"))
	require.NoError(t, h.eng.Delete("f", Oldest()))
	assert.Equal(t, meta.Record{StartVer: 1, CurVer: 1}, h.record("f"))
}

func TestDeleteEmptyWindow(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, h.write("f", "abc")) // below threshold, no backup

	for _, sel := range []Selector{Oldest(), Newest(), All()} {
		err := h.eng.Delete("f", sel)
		assert.True(t, errors.IsKind(err, errors.KindNotFound), "selector %s", sel)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, 3, 4)
	fiveWrites(t, h)

	require.NoError(t, h.eng.Restore("f", Oldest()))

	got, err := os.ReadFile(h.adapter.Abs("f"))
	require.NoError(t, err)
	assert.Equal(t, "CCCCCCC3", string(got))

	// restore does not create a backup and leaves the window alone
	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), count)
	assert.Equal(t, meta.Record{StartVer: 3, CurVer: 6}, h.record("f"))

	// idempotent
	require.NoError(t, h.eng.Restore("f", Oldest()))
	got, err = os.ReadFile(h.adapter.Abs("f"))
	require.NoError(t, err)
	assert.Equal(t, "CCCCCCC3", string(got))
}

func TestRestoreShrinksFile(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, h.write("f", "short"))
	require.NoError(t, h.write("f", "a much longer replacement body"))

	require.NoError(t, h.eng.Restore("f", Oldest()))
	got, err := os.ReadFile(h.adapter.Abs("f"))
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))
}

func TestRestoreEmptyWindow(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, h.write("f", "abc"))

	err := h.eng.Restore("f", Newest())
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestCleanupOnUnlink(t *testing.T) {
	h := newHarness(t, 3, 4)
	fiveWrites(t, h)
	require.NotEmpty(t, h.backupNames("f"))

	h.eng.CleanupOnUnlink("f")
	assert.Empty(t, h.backupNames("f"))
}

func TestVersioningDisabled(t *testing.T) {
	h := newHarness(t, 0, 4)

	require.NoError(t, h.write("f", "AAAAAAAA"))
	count, err := h.eng.Count("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
	assert.Empty(t, h.backupNames("f"))
}

func TestThresholdUsesRequestedCount(t *testing.T) {
	h := newHarness(t, 3, 4)
	path := h.adapter.Abs("f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	// a 3-byte append is below threshold no matter how large the file is
	require.NoError(t, h.eng.BackupAfterWrite("f", 3))
	assert.Empty(t, h.backupNames("f"))

	require.NoError(t, h.eng.BackupAfterWrite("f", 4))
	assert.ElementsMatch(t, []string{".bkp_f.1"}, h.backupNames("f"))
}

func TestNameTooLongIsBestEffort(t *testing.T) {
	h := newHarness(t, 3, 4)
	long := strings.Repeat("x", 231)

	err := h.write(long, "AAAAAAAA")
	assert.True(t, errors.IsKind(err, errors.KindNameTooLong))

	// the user write itself landed
	got, rerr := os.ReadFile(h.adapter.Abs(long))
	require.NoError(t, rerr)
	assert.Equal(t, "AAAAAAAA", string(got))
	assert.Empty(t, h.backupNames(long))
}

func TestOrphanBackupIsReplaced(t *testing.T) {
	h := newHarness(t, 3, 4)

	// a crash orphan squats on the name the next backup will take
	require.NoError(t, os.WriteFile(h.adapter.Abs(".bkp_f.1"), []byte("stale"), 0o644))

	require.NoError(t, h.write("f", "AAAAAAAA"))
	assert.Equal(t, "AAAAAAAA", h.viewAll("f", Newest()))
	assert.Equal(t, meta.Record{StartVer: 1, CurVer: 2}, h.record("f"))
}

func TestViewPaginated(t *testing.T) {
	h := newHarness(t, 3, 4)
	content := strings.Repeat("0123456789", 1000) // 10000 bytes
	require.NoError(t, h.write("f", content))

	size, err := h.eng.Size("f", Newest())
	require.NoError(t, err)
	require.Equal(t, uint64(len(content)), size)

	var got []byte
	page := 4096
	for off := 0; off < len(content); off += page {
		chunk := page
		if rest := len(content) - off; rest < chunk {
			chunk = rest
		}
		buf := make([]byte, chunk)
		require.NoError(t, h.eng.View("f", Newest(), int64(off), buf))
		got = append(got, buf...)
	}
	assert.Equal(t, content, string(got))
}

func TestViewPastEndIsIOError(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, h.write("f", "AAAAAAAA"))

	buf := make([]byte, 16)
	err := h.eng.View("f", Newest(), 0, buf)
	assert.True(t, errors.IsKind(err, errors.KindIO))

	err = h.eng.View("f", Newest(), 100, buf[:4])
	assert.True(t, errors.IsKind(err, errors.KindIO))
}

func TestSizeBySelector(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, h.write("f", "AAAA"))
	require.NoError(t, h.write("f", "BBBBBBBB"))

	size, err := h.eng.Size("f", Oldest())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), size)

	size, err = h.eng.Size("f", Newest())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), size)

	_, err = h.eng.Size("f", Nth(3))
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestBackupsInSubdirectory(t *testing.T) {
	h := newHarness(t, 3, 4)
	require.NoError(t, os.Mkdir(h.adapter.Abs("sub"), 0o755))

	require.NoError(t, h.write("sub/f", "AAAAAAAA"))
	assert.ElementsMatch(t, []string{".bkp_f.1"}, h.backupNames("sub/f"))
	assert.Equal(t, "AAAAAAAA", h.viewAll("sub/f", Newest()))

	// sibling placement: nothing lands in the root
	assert.Empty(t, h.backupNames("top"))
}

// notifyRecorder captures lifecycle events for assertion.
type notifyRecorder struct {
	mu      sync.Mutex
	created []string
	removed []string
}

func (r *notifyRecorder) BackupCreated(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rel)
}

func (r *notifyRecorder) BackupRemoved(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, rel)
}

func TestNotifierSeesLifecycle(t *testing.T) {
	adapter, err := lower.New(t.TempDir())
	require.NoError(t, err)
	if !adapter.XattrSupported() {
		t.Skip("lower filesystem lacks user xattr support")
	}
	rec := &notifyRecorder{}
	eng := New(adapter, Options{
		MaxVersions:     2,
		BackupThreshold: 4,
		Notifier:        rec,
	})

	write := func(content string) {
		require.NoError(t, os.WriteFile(adapter.Abs("f"), []byte(content), 0o644))
		require.NoError(t, eng.BackupAfterWrite("f", len(content)))
	}

	write("AAAAAAAA")
	write("BBBBBBBB")
	write("CCCCCCCC") // evicts version 1

	assert.Equal(t, []string{".bkp_f.1", ".bkp_f.2", ".bkp_f.3"}, rec.created)
	assert.Equal(t, []string{".bkp_f.1"}, rec.removed)

	require.NoError(t, eng.Delete("f", All()))
	assert.ElementsMatch(t, []string{".bkp_f.1", ".bkp_f.2", ".bkp_f.3"}, rec.removed)
}

func TestMetadataInvariantsAfterMixedOps(t *testing.T) {
	h := newHarness(t, 3, 4)

	check := func() {
		rec := h.record("f")
		require.True(t, rec.Valid())
		require.LessOrEqual(t, rec.Count(), uint32(3))
		// on-disk objects are exactly the retained window
		var want []string
		for v := rec.StartVer; v < rec.CurVer; v++ {
			want = append(want, fmt.Sprintf(".bkp_f.%d", v))
		}
		require.ElementsMatch(h.t, want, h.backupNames("f"))
	}

	require.NoError(t, h.write("f", "AAAAAAAA"))
	check()
	require.NoError(t, h.write("f", "BBBBBBBB"))
	check()
	require.NoError(t, h.eng.Delete("f", Oldest()))
	check()
	require.NoError(t, h.write("f", "CCCCCCCC"))
	check()
	require.NoError(t, h.write("f", "DDDDDDDD"))
	check()
	require.NoError(t, h.write("f", "EEEEEEEE"))
	check()
	require.NoError(t, h.eng.Restore("f", Nth(1)))
	check()
	require.NoError(t, h.eng.Delete("f", All()))
	check()
}
