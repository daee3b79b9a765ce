package shm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

var (
	// ErrHostUnavailable means the mapping is missing, invalid or stale
	ErrHostUnavailable = errors.New("host shared memory unavailable")
	// ErrNoNewFrame means no frame was published since the last read
	ErrNoNewFrame = errors.New("no new frame")
	// ErrFrameSuperseded means the slot was overwritten while it was being copied
	ErrFrameSuperseded = errors.New("frame superseded during read")
)

// MapPath returns the path of a monitor's mapping file
func MapPath(dir string, monitorID int) string {
	return filepath.Join(dir, "zm.mmap."+strconv.Itoa(monitorID))
}

// mapFile is an open mapping file accessed with pread/pwrite.
// Reads through the page cache observe the host's writes to the shared mapping.
type mapFile struct {
	path string
	f    *os.File
	ino  uint64
}

func openMap(path string, flag int) (*mapFile, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrHostUnavailable, err)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mapFile{path: path, f: f, ino: inode(fi)}, nil
}

func inode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}

// checkReplaced fails when the path no longer names the file we hold open
func (m *mapFile) checkReplaced() error {
	fi, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	if inode(fi) != m.ino {
		return fmt.Errorf("%w: %s was replaced", ErrHostUnavailable, m.path)
	}
	return nil
}

func (m *mapFile) size() (int64, error) {
	fi, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (m *mapFile) readAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := m.f.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short read at %d", ErrHostUnavailable, off)
		}
		return nil, err
	}
	return buf, nil
}

func (m *mapFile) writeAt(off int64, b []byte) error {
	_, err := m.f.WriteAt(b, off)
	return err
}

func (m *mapFile) sharedData() (SharedData, error) {
	b, err := m.readAt(0, SharedDataSize)
	if err != nil {
		return SharedData{}, err
	}
	return decodeSharedData(b), nil
}

// verifyLayout checks the self-reported struct sizes of the host
func (m *mapFile) verifyLayout() error {
	b, err := m.readAt(0, timestampsOffset)
	if err != nil {
		return err
	}
	sizes := []struct {
		name string
		off  int
		want uint32
	}{
		{"shared data", 0, SharedDataSize},
		{"trigger data", triggerOffset, TriggerDataSize},
		{"video store data", videoStoreOffset, VideoStoreDataSize},
	}
	for _, s := range sizes {
		if got := le.Uint32(b[s.off:]); got != s.want {
			return fmt.Errorf("%w: %s size %d, expected %d", ErrHostUnavailable, s.name, got, s.want)
		}
	}
	return nil
}

func (m *mapFile) Close() error {
	return m.f.Close()
}
