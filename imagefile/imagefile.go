// Package imagefile reads and rewrites executable image files.
package imagefile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/otiai10/copy"
	"github.com/pkg/errors"
)

// BackupSuffix is appended to an image's name to name its backup.
const BackupSuffix = ".bak"

// lockRetry is the delay between attempts to take an image lock.
const lockRetry = 50 * time.Millisecond

// Read returns the contents of a file.
func Read(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	return data, nil
}

// A Mapping is a read-only memory mapping of a file.
type Mapping struct {
	m mmap.MMap
}

// Map maps a file into memory read-only. The data must not be modified.
// Empty files are not mapped and have no data.
func Map(name string) (*Mapping, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	if st.Size() == 0 {
		return &Mapping{}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return &Mapping{m: m}, nil
}

// Bytes returns the mapped data.
func (m *Mapping) Bytes() []byte {
	return m.m
}

// Close unmaps the file. The data returned by Bytes is invalid afterwards.
func (m *Mapping) Close() error {
	if m.m == nil {
		return nil
	}
	err := m.m.Unmap()
	m.m = nil
	return err
}

// Options control how Edit rewrites a file.
type Options struct {
	// Backup keeps a copy of the original file, with BackupSuffix appended
	// to its name, before it is replaced.
	Backup bool
}

// An EditFunc transforms the contents of a file. It may modify data in place
// and return it. Returning an error leaves the file untouched.
type EditFunc func(data []byte) ([]byte, error)

// lockPath returns the lock file for name. Lock files live in the temporary
// directory, keyed by absolute path, so that replacing the image by rename
// does not discard the lock.
func lockPath(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(abs))
	return filepath.Join(os.TempDir(), "petool-"+hex.EncodeToString(sum[:8])+".lock"), nil
}

// Edit rewrites a file through fn while holding an advisory lock on it. The
// new contents replace the file atomically with the original's permissions.
func Edit(ctx context.Context, name string, opts Options, fn EditFunc) error {
	lp, err := lockPath(name)
	if err != nil {
		return errors.Wrap(err, "lock")
	}
	lock := flock.New(lp)
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return errors.Wrap(err, "acquire lock")
	} else if !locked {
		return errors.New("acquire lock: file is locked")
	}
	defer func(lock *flock.Flock) {
		_ = lock.Unlock()
	}(lock)

	st, err := os.Stat(name)
	if err != nil {
		return errors.Wrap(err, "stat")
	}
	data, err := Read(name)
	if err != nil {
		return err
	}
	out, err := fn(data)
	if err != nil {
		return err
	}
	if opts.Backup {
		if err := Copy(name, name+BackupSuffix); err != nil {
			return errors.Wrap(err, "backup")
		}
	}
	return WriteAtomic(name, out, st.Mode().Perm())
}

// WriteAtomic replaces a file with data. The data is written to a temporary
// file in the same directory, which is then renamed over name.
func WriteAtomic(name string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temporary file")
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "write")
	}
	if err := f.Chmod(perm); err != nil {
		return errors.Wrap(err, "chmod")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		ok = true
		return errors.Wrap(err, "rename")
	}
	ok = true
	return nil
}

// WriteFile replaces the contents of an output file atomically. An existing
// file keeps its permissions. A new file is created with mode 0666 less the
// umask.
func WriteFile(name string, data []byte) error {
	var perm os.FileMode
	created := false
	st, err := os.Stat(name)
	switch {
	case err == nil:
		perm = st.Mode().Perm()
	case os.IsNotExist(err):
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
		if err != nil {
			return errors.Wrap(err, "create")
		}
		created = true
		st, err = f.Stat()
		f.Close()
		if err != nil {
			os.Remove(name)
			return errors.Wrap(err, "stat")
		}
		perm = st.Mode().Perm()
	default:
		return errors.Wrap(err, "stat")
	}
	if err := WriteAtomic(name, data, perm); err != nil {
		if created {
			os.Remove(name)
		}
		return err
	}
	return nil
}

// Create writes data to a new file. It fails if the file already exists.
func Create(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if os.IsExist(err) {
			return errors.Errorf("%s already exists", name)
		}
		return errors.Wrap(err, "create")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write")
	}
	return errors.Wrap(f.Close(), "close")
}

// Exists reports whether a file exists.
func Exists(name string) bool {
	_, err := os.Lstat(name)
	return err == nil
}

// Copy copies the file or directory src to dst, replacing dst.
func Copy(src, dst string) error {
	return copy.Copy(src, dst, copy.Options{
		Sync:          true,
		PreserveTimes: true,
	})
}
