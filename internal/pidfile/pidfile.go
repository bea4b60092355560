// Package pidfile persists the pid of every running task instance as
// <dir>/<task>.<slot>.pid so a restarted supervisor can find its children.
package pidfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// DefaultDir is used when a Store is created with an empty directory.
const DefaultDir = "tmp"

var (
	ErrNoFreeSlot = errors.New("no free pid slot")
	ErrInvalidPID = errors.New("invalid pid")
)

// Entry is one PID file found on disk.
type Entry struct {
	Slot    int
	PID     int
	ModTime time.Time
}

// Store reads and writes PID files. It does no locking: two writers racing for
// the same slot both succeed and the last one wins.
type Store struct {
	fs  afero.Fs
	dir string
}

func New(dir string) *Store { return NewWithFs(afero.NewOsFs(), dir) }

func NewWithFs(fsys afero.Fs, dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{fs: fsys, dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// Path returns the file for slot of task.
func (s *Store) Path(task string, slot int) string {
	return filepath.Join(s.dir, task+"."+strconv.Itoa(slot)+".pid")
}

// Write records pid in the first slot in 1..maxThreads that has no file yet.
func (s *Store) Write(task string, maxThreads, pid int) (int, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	for slot := 1; slot <= maxThreads; slot++ {
		exists, err := afero.Exists(s.fs, s.Path(task, slot))
		if err != nil {
			return 0, fmt.Errorf("stat pid file: %w", err)
		}
		if exists {
			continue
		}
		if err := s.WriteSlot(task, slot, pid); err != nil {
			return 0, err
		}
		return slot, nil
	}
	return 0, fmt.Errorf("%s: %w (max %d)", task, ErrNoFreeSlot, maxThreads)
}

// WriteSlot overwrites the file for slot unconditionally.
func (s *Store) WriteSlot(task string, slot, pid int) error {
	if err := s.fs.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	path := s.Path(task, slot)
	if err := afero.WriteFile(s.fs, path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// Read parses the file for slot.
func (s *Store) Read(task string, slot int) (Entry, error) {
	path := s.Path(task, slot)
	b, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return Entry{}, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return Entry{}, fmt.Errorf("%w in %s: %q", ErrInvalidPID, path, strings.TrimSpace(string(b)))
	}
	e := Entry{Slot: slot, PID: pid}
	if fi, err := s.fs.Stat(path); err == nil {
		e.ModTime = fi.ModTime()
	}
	return e, nil
}

// ReadAll returns every parsable entry of task in slot order. Files that do
// not hold a positive pid are removed.
func (s *Store) ReadAll(task string, maxThreads int) ([]Entry, error) {
	var out []Entry
	for slot := 1; slot <= maxThreads; slot++ {
		e, err := s.Read(task, slot)
		switch {
		case err == nil:
			out = append(out, e)
		case errors.Is(err, fs.ErrNotExist):
		case errors.Is(err, ErrInvalidPID):
			_ = s.Remove(task, slot)
		default:
			return out, err
		}
	}
	return out, nil
}

// List returns every parsable entry of task in slot order without touching
// the directory. Unparsable files are skipped.
func (s *Store) List(task string, maxThreads int) ([]Entry, error) {
	var out []Entry
	for slot := 1; slot <= maxThreads; slot++ {
		e, err := s.Read(task, slot)
		switch {
		case err == nil:
			out = append(out, e)
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrInvalidPID):
		default:
			return out, err
		}
	}
	return out, nil
}

// Remove deletes the file for slot. A missing file is not an error.
func (s *Store) Remove(task string, slot int) error {
	err := s.fs.Remove(s.Path(task, slot))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemovePID deletes every slot file of task that records pid and returns how
// many were removed.
func (s *Store) RemovePID(task string, maxThreads, pid int) int {
	n := 0
	for slot := 1; slot <= maxThreads; slot++ {
		e, err := s.Read(task, slot)
		if err != nil || e.PID != pid {
			continue
		}
		if s.Remove(task, slot) == nil {
			n++
		}
	}
	return n
}
