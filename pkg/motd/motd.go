// Package motd maintains the dead-end message-of-the-day fragment. The
// fragment's presence mirrors the booted release's dead-end status.
package motd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

// DefaultFragmentsDir is where login MOTD fragments are collected.
const DefaultFragmentsDir = "/run/motd.d"

// fragmentName orders this fragment among the other MOTD snippets.
const fragmentName = "85-updatehound-deadend.motd"

// Writer owns the dead-end MOTD fragment.
type Writer struct {
	log logging.Logger
	dir string
}

// NewWriter returns a Writer targeting the standard fragments directory.
func NewWriter(log logging.Logger) *Writer {
	return NewWriterAt(log, DefaultFragmentsDir)
}

// NewWriterAt returns a Writer targeting a custom directory.
func NewWriterAt(log logging.Logger, dir string) *Writer {
	return &Writer{log: log, dir: dir}
}

// Path returns the fragment location.
func (w *Writer) Path() string {
	return filepath.Join(w.dir, fragmentName)
}

// SetDeadEnd writes the dead-end fragment with the given reason. The write
// goes through a tempfile in the same directory and a rename, so readers
// never observe a partially-written message.
func (w *Writer) SetDeadEnd(reason string) error {
	f, err := os.CreateTemp(w.dir, ".deadend.*.motd.partial")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary MOTD file under %q", w.dir)
	}
	defer os.Remove(f.Name())

	// Tempfiles are created mode 0600; the fragment must be world-readable.
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to set permissions of temporary MOTD file")
	}

	content := fmt.Sprintf("This release is a dead-end and will not further auto-update: %s\n", reason)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write MOTD content")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to flush MOTD content")
	}

	if err := os.Rename(f.Name(), w.Path()); err != nil {
		return errors.Wrapf(err, "failed to persist MOTD fragment to %q", w.Path())
	}
	w.log.WithField("path", w.Path()).Debug("dead-end MOTD fragment written")
	return nil
}

// Clear removes the fragment. A missing fragment is not an error.
func (w *Writer) Clear() error {
	if err := os.Remove(w.Path()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove MOTD fragment at %q", w.Path())
	}
	return nil
}
