package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// watcherRecord is what a running watch publishes in its PID file so that
// other invocations can find it and check which project it serves.
type watcherRecord struct {
	PID     int       `toml:"pid"`
	Project string    `toml:"project"`
	Started time.Time `toml:"started"`
	Version string    `toml:"version"`
}

// currentWatcher describes this process as a watcher of project.
func currentWatcher(project string) watcherRecord {
	return watcherRecord{
		PID:     os.Getpid(),
		Project: project,
		Started: time.Now().UTC().Truncate(time.Second),
		Version: version,
	}
}

// claimWatcher takes the single-watcher lock at path and publishes rec in
// it. The lock is a non-blocking flock held for the life of the returned
// release func, which also removes the file.
func claimWatcher(path string, rec watcherRecord) (release func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if other, readErr := readWatcher(path); readErr == nil {
			return nil, fmt.Errorf("another crewplan-sync watch is already running (PID %d, project %s)",
				other.PID, other.Project)
		}

		return nil, fmt.Errorf("another crewplan-sync watch is already running (could not lock %s)", path)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(rec); err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding PID file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	// Readers must see the record as soon as the lock is held.
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readWatcher decodes the record at path.
func readWatcher(path string) (watcherRecord, error) {
	var rec watcherRecord

	if _, err := toml.DecodeFile(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, fmt.Errorf("reading PID file: %w", err)
		}

		return rec, fmt.Errorf("invalid PID file %s: %w", path, err)
	}

	if rec.PID <= 0 {
		return rec, fmt.Errorf("invalid PID file %s: missing pid", path)
	}

	return rec, nil
}

// signalWatcher delivers sig to the watcher recorded at path, refusing when
// that watcher serves a different project. A record whose process is gone
// is removed.
func signalWatcher(path, project string, sig syscall.Signal) (watcherRecord, error) {
	rec, err := readWatcher(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, fmt.Errorf("no running watcher found (no PID file at %s)", path)
		}

		return rec, err
	}

	if project != "" && rec.Project != "" && !sameProject(rec.Project, project) {
		return rec, fmt.Errorf("watcher (PID %d) serves %s, not %s", rec.PID, rec.Project, project)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return rec, fmt.Errorf("finding process %d: %w", rec.PID, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)
		return rec, fmt.Errorf("watcher (PID %d) is not running (stale PID file removed)", rec.PID)
	}

	if err := proc.Signal(sig); err != nil {
		return rec, fmt.Errorf("sending %s to watcher (PID %d): %w", sig, rec.PID, err)
	}

	return rec, nil
}

func sameProject(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
