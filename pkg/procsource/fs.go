//go:build linux

package procsource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FS reads the live process pseudo-filesystem. The root is configurable
// for testing; the default is /proc.
type FS struct {
	root string

	ioBufKB     int
	smapsBufKB  int
	rollupBufKB int

	observer BufferObserver
}

// FSOption configures an FS source.
type FSOption func(*FS)

// WithBuffers sets the read buffer capacities in KB for generic per-pid
// files, smaps, and smaps_rollup.
func WithBuffers(ioKB, smapsKB, rollupKB int) FSOption {
	return func(f *FS) {
		if ioKB > 0 {
			f.ioBufKB = ioKB
		}
		if smapsKB > 0 {
			f.smapsBufKB = smapsKB
		}
		if rollupKB > 0 {
			f.rollupBufKB = rollupKB
		}
	}
}

// WithObserver registers a buffer fill observer.
func WithObserver(o BufferObserver) FSOption {
	return func(f *FS) { f.observer = o }
}

// NewFS creates a live source rooted at root (empty means /proc).
func NewFS(root string, opts ...FSOption) *FS {
	if root == "" {
		root = "/proc"
	}
	f := &FS{
		root:        root,
		ioBufKB:     256,
		smapsBufKB:  512,
		rollupBufKB: 256,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Root returns the process filesystem root this source reads.
func (f *FS) Root() string { return f.root }

// ListPIDs enumerates numeric directory entries under the root.
func (f *FS) ListPIDs() ([]int, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.root, err)
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (f *FS) ReadName(pid int) (string, error) {
	b, err := f.readFile(filepath.Join(f.root, strconv.Itoa(pid), "comm"), f.ioBufKB, BufferIO)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func (f *FS) ReadCmdline(pid int) (string, error) {
	b, err := f.readFile(filepath.Join(f.root, strconv.Itoa(pid), "cmdline"), f.ioBufKB, BufferIO)
	if err != nil {
		return "", err
	}
	// NUL separates arguments; the kernel also NUL-terminates the vector.
	s := strings.TrimRight(string(b), "\x00")
	return strings.ReplaceAll(s, "\x00", " "), nil
}

func (f *FS) ReadMemorySummary(pid int) ([]byte, error) {
	path := filepath.Join(f.root, strconv.Itoa(pid), "smaps_rollup")
	b, err := f.readFile(path, f.rollupBufKB, BufferSmapsRollup)
	if err != nil {
		if errors.Is(err, ErrMissing) {
			// Distinguish "pid gone" from "kernel lacks smaps_rollup".
			if _, statErr := os.Stat(filepath.Join(f.root, strconv.Itoa(pid))); statErr == nil {
				return nil, ErrNoSummary
			}
		}
		return nil, err
	}
	return b, nil
}

func (f *FS) ReadMemoryDetail(pid int) ([]byte, error) {
	return f.readFile(filepath.Join(f.root, strconv.Itoa(pid), "smaps"), f.smapsBufKB, BufferSmaps)
}

// ReadCPUStat parses the single status line of /proc/<pid>/stat. The comm
// field is in parens and may contain spaces, so numeric fields are located
// relative to the last ") " separator.
func (f *FS) ReadCPUStat(pid int) (CPUStat, error) {
	b, err := f.readFile(filepath.Join(f.root, strconv.Itoa(pid), "stat"), f.ioBufKB, BufferIO)
	if err != nil {
		return CPUStat{}, err
	}
	return parseCPUStat(string(b))
}

func parseCPUStat(line string) (CPUStat, error) {
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return CPUStat{}, ErrMalformed
	}
	fields := strings.Fields(line[i+2:])

	// Indexes relative to the fields slice (overall field n => fields[n-3]):
	// utime (14th overall) => fields[11]
	// stime (15th overall) => fields[12]
	// starttime (22nd overall) => fields[19]
	get := func(idx int) (uint64, error) {
		if idx >= len(fields) {
			return 0, ErrMalformed
		}
		v, err := strconv.ParseUint(fields[idx], 10, 64)
		if err != nil {
			return 0, ErrMalformed
		}
		return v, nil
	}

	utime, err := get(11)
	if err != nil {
		return CPUStat{}, err
	}
	stime, err := get(12)
	if err != nil {
		return CPUStat{}, err
	}
	start, err := get(19)
	if err != nil {
		return CPUStat{}, err
	}
	return CPUStat{Utime: utime, Stime: stime, StartTime: start}, nil
}

// readFile reads path into a buffer preallocated at capKB kilobytes,
// growing only when the content exceeds the configured capacity. The
// observed fill level feeds the health monitor.
func (f *FS) readFile(path string, capKB int, kind BufferKind) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer file.Close()

	buf := make([]byte, 0, capKB*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, err := file.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyErr(err)
		}
	}

	if f.observer != nil {
		f.observer.Observe(kind, (len(buf)+1023)/1024)
	}
	return buf, nil
}

func classifyErr(err error) error {
	switch {
	case os.IsNotExist(err), errors.Is(err, syscall.ESRCH):
		return ErrMissing
	case os.IsPermission(err):
		return ErrPermission
	default:
		return err
	}
}
