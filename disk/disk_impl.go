package disk

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fileDevice opens real files under a root directory using raw
// pread/pwrite/fsync against the fd rather than the buffered os.File API.
type fileDevice struct {
	dir string
}

// NewFileDevice returns a Device rooted at dir. dir must already exist and
// be writable.
func NewFileDevice(dir string) (Device, error) {
	if err := checkDirPerms(dir); err != nil {
		return nil, err
	}
	return &fileDevice{dir: dir}, nil
}

func checkDirPerms(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "stat segment directory")
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return errors.Wrap(err, "segment directory is not writable")
	}
	return nil
}

func (d *fileDevice) path(name string) string {
	return d.dir + "/" + name
}

func (d *fileDevice) Open(name string, size int64) (File, error) {
	path := d.path(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "fstat %s", path)
	}
	if st.Size < size {
		if err := unix.Fallocate(fd, 0, 0, size); err != nil {
			// Fallocate isn't supported on every filesystem (e.g. some
			// network mounts); fall back to a plain truncate, which still
			// gets the file to the right size, just without guaranteeing
			// the blocks are physically reserved up front.
			if err := unix.Ftruncate(fd, size); err != nil {
				_ = unix.Close(fd)
				return nil, errors.Wrapf(err, "truncate %s to %d", path, size)
			}
		}
	}
	return &unixFile{fd: fd, path: path}, nil
}

func (d *fileDevice) Remove(name string) error {
	if err := os.Remove(d.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", name)
	}
	return nil
}

// Rename replaces newName with oldName's contents and fsyncs the
// containing directory, so the replacement survives a crash even if
// oldName and newName are themselves on a journaled filesystem that
// doesn't guarantee rename durability without an explicit directory sync.
func (d *fileDevice) Rename(oldName, newName string) error {
	oldPath := d.path(oldName)
	newPath := d.path(newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "rename %s to %s", oldPath, newPath)
	}
	dirFd, err := unix.Open(d.dir, unix.O_RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s to sync after rename", d.dir)
	}
	defer func() { _ = unix.Close(dirFd) }()
	if err := unix.Fsync(dirFd); err != nil {
		return errors.Wrapf(err, "fsync %s after rename", d.dir)
	}
	return nil
}

type unixFile struct {
	fd   int
	path string
}

func (f *unixFile) WriteAt(buf []byte, offset int64) (int, error) {
	n, err := unix.Pwrite(f.fd, buf, offset)
	if err != nil {
		return n, errors.Wrapf(err, "pwrite %s at %d", f.path, offset)
	}
	if n != len(buf) {
		return n, errors.Errorf("short write to %s at %d: wrote %d of %d bytes", f.path, offset, n, len(buf))
	}
	return n, nil
}

func (f *unixFile) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := unix.Pread(f.fd, buf, offset)
	if err != nil {
		return n, errors.Wrapf(err, "pread %s at %d", f.path, offset)
	}
	return n, nil
}

func (f *unixFile) Sync() error {
	if err := unix.Fsync(f.fd); err != nil {
		return errors.Wrapf(err, "fsync %s", f.path)
	}
	return nil
}

func (f *unixFile) Truncate(size int64) error {
	if err := unix.Ftruncate(f.fd, size); err != nil {
		return errors.Wrapf(err, "ftruncate %s to %d", f.path, size)
	}
	return nil
}

func (f *unixFile) Close() error {
	if err := unix.Close(f.fd); err != nil {
		return errors.Wrapf(err, "close %s", f.path)
	}
	return nil
}

// memDevice is an in-memory Device for unit tests: arbitrarily sized byte
// buffers keyed by name, with no real filesystem underneath.
type memDevice struct {
	mu    sync.Mutex
	files map[string]*memFile
}

// NewMemDevice returns an in-memory Device. Useful for tests that want to
// exercise the segment manager and allocator without touching the
// filesystem.
func NewMemDevice() Device {
	return &memDevice{files: make(map[string]*memFile)}
}

func (d *memDevice) Open(name string, size int64) (File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[name]
	if !ok {
		f = &memFile{}
		d.files[name] = f
	}
	if int64(len(f.data)) < size {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return f, nil
}

func (d *memDevice) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, name)
	return nil
}

func (d *memDevice) Rename(oldName, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[oldName]
	if !ok {
		return errors.Errorf("rename: %s does not exist", oldName)
	}
	d.files[newName] = f
	delete(d.files, oldName)
	return nil
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) WriteAt(buf []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:end], buf)
	return len(buf), nil
}

func (f *memFile) ReadAt(buf []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= int64(len(f.data)) {
		return 0, errors.Errorf("read past end of file at %d (size %d)", offset, len(f.data))
	}
	n := copy(buf, f.data[offset:])
	return n, nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.data)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (f *memFile) Close() error { return nil }
