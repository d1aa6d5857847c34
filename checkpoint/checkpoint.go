// Package checkpoint persists the last sequence number fully applied to the
// target, the only durable state the bridge owns.
package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

const fileName = "checkpoint"

type Store struct {
	path string
}

// NewStore places the checkpoint file inside dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, fileName)}
}

// Load reads the persisted sequence number. ok is false when no checkpoint
// has ever been written; a present but unparsable file is an error so a
// corrupt checkpoint never silently restarts the pipeline from the wrong
// place.
func (s *Store) Load() (seq uint64, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Annotatef(err, "read checkpoint %s", s.path)
	}
	seq, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, errors.Annotatef(err, "corrupt checkpoint %s", s.path)
	}
	return seq, true, nil
}

// Save durably records seq. The write goes to a temporary file that is
// fsynced and renamed over the checkpoint, so a crash mid-write leaves
// either the old value or the new one, never a torn file.
func (s *Store) Save(seq uint64) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Annotatef(err, "create %s", tmp)
	}
	if _, err = f.WriteString(strconv.FormatUint(seq, 10) + "\n"); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Annotatef(err, "write %s", tmp)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Annotatef(err, "rename %s", tmp)
	}
	return nil
}

// Path is the checkpoint file location, for diagnostics.
func (s *Store) Path() string { return s.path }
