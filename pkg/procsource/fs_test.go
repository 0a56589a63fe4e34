//go:build linux

package procsource

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeProc builds a fake per-pid directory under root.
func writeProc(t *testing.T, root string, pid int, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestFSListPIDs(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 1, map[string]string{"comm": "init\n"})
	writeProc(t, root, 42, map[string]string{"comm": "answer\n"})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "uptime"), []byte("1 2"), 0o644))

	fs := NewFS(root)
	pids, err := fs.ListPIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 42}, pids)
}

func TestFSReadName(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, map[string]string{"comm": "postgres\n"})

	fs := NewFS(root)
	name, err := fs.ReadName(100)
	require.NoError(t, err)
	assert.Equal(t, "postgres", name)
}

func TestFSReadCmdline(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, map[string]string{
		"cmdline": "/usr/bin/postgres\x00-D\x00/var/lib/postgres\x00",
	})
	writeProc(t, root, 2, map[string]string{"cmdline": ""})

	fs := NewFS(root)
	cmd, err := fs.ReadCmdline(100)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/postgres -D /var/lib/postgres", cmd)

	// kernel threads report an empty cmdline
	cmd, err = fs.ReadCmdline(2)
	require.NoError(t, err)
	assert.Empty(t, cmd)
}

func TestFSReadCPUStat(t *testing.T) {
	root := t.TempDir()
	// comm contains spaces and parens to exercise the ") " split
	writeProc(t, root, 7, map[string]string{
		"stat": "7 (tmux: server (1)) S 1 7 7 0 -1 4194304 100 0 0 0 345678 0 0 0 20 0 1 0 5000 1000000 200 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0",
	})

	fs := NewFS(root)
	st, err := fs.ReadCPUStat(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(345678), st.Utime)
	assert.Equal(t, uint64(0), st.Stime)
	assert.Equal(t, uint64(5000), st.StartTime)
}

func TestFSMissingPid(t *testing.T) {
	fs := NewFS(t.TempDir())
	_, err := fs.ReadName(9999)
	assert.ErrorIs(t, err, ErrMissing)
	_, err = fs.ReadCPUStat(9999)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestFSNoSummaryVsMissing(t *testing.T) {
	root := t.TempDir()
	// pid exists but has no smaps_rollup: kernel without the feature
	writeProc(t, root, 55, map[string]string{"comm": "x\n"})

	fs := NewFS(root)
	_, err := fs.ReadMemorySummary(55)
	assert.ErrorIs(t, err, ErrNoSummary)

	_, err = fs.ReadMemorySummary(56)
	assert.ErrorIs(t, err, ErrMissing)
	assert.False(t, errors.Is(err, ErrNoSummary))
}

type recordingObserver struct {
	kinds []BufferKind
	used  []int
}

func (r *recordingObserver) Observe(kind BufferKind, usedKB int) {
	r.kinds = append(r.kinds, kind)
	r.used = append(r.used, usedKB)
}

func TestFSObserverSeesBufferFill(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 10, map[string]string{
		"smaps_rollup": "Rss: 4 kB\nPss: 2 kB\n",
	})

	obs := &recordingObserver{}
	fs := NewFS(root, WithObserver(obs), WithBuffers(16, 16, 16))
	_, err := fs.ReadMemorySummary(10)
	require.NoError(t, err)
	require.Len(t, obs.kinds, 1)
	assert.Equal(t, BufferSmapsRollup, obs.kinds[0])
	assert.Equal(t, 1, obs.used[0])
}

func TestClockTicksEnvOverride(t *testing.T) {
	t.Setenv("CLK_TCK", "250")
	assert.Equal(t, 250, ClockTicks())
	t.Setenv("CLK_TCK", "")
	assert.Equal(t, 100, ClockTicks())
}
