//go:build linux

package watcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	inotifyWatchMask = unix.IN_CREATE |
		unix.IN_DELETE |
		unix.IN_MODIFY |
		unix.IN_ATTRIB |
		unix.IN_MOVED_FROM |
		unix.IN_MOVED_TO |
		unix.IN_DELETE_SELF |
		unix.IN_MOVE_SELF |
		unix.IN_EXCL_UNLINK |
		unix.IN_ONLYDIR
	inotifyBufferSize = 64 * 1024
)

// InotifyBackend watches directories through the Linux inotify API.
type InotifyBackend struct {
	fd      int
	wakeFD  int
	buffer  []byte
	closed  atomic.Bool
	reading sync.Mutex
	once    sync.Once
}

// NewInotifyBackend creates an inotify instance. It fails with ErrBackendUnavailable when
// the kernel facility cannot be initialized.
func NewInotifyBackend() (*InotifyBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%w: inotify_init1: %v", ErrBackendUnavailable, err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: eventfd: %v", ErrBackendUnavailable, err)
	}
	return &InotifyBackend{
		fd:     fd,
		wakeFD: wakeFD,
		buffer: make([]byte, inotifyBufferSize),
	}, nil
}

func (backend *InotifyBackend) AddWatch(path string) (WatchID, error) {
	if backend.closed.Load() {
		return 0, ErrBackendClosed
	}
	wd, err := unix.InotifyAddWatch(backend.fd, path, inotifyWatchMask)
	if err != nil {
		return 0, wrapPathError("add watch", path, err)
	}
	return WatchID(wd), nil
}

func (backend *InotifyBackend) RemoveWatch(id WatchID) error {
	if backend.closed.Load() {
		return nil
	}
	_, err := unix.InotifyRmWatch(backend.fd, uint32(id))
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("remove watch %d: %w", id, err)
	}
	return nil
}

// ReadEvents waits for the inotify descriptor or the close signal, whichever comes first.
func (backend *InotifyBackend) ReadEvents() ([]RawEvent, error) {
	backend.reading.Lock()
	defer backend.reading.Unlock()

	for {
		if backend.closed.Load() {
			return nil, ErrBackendClosed
		}
		fds := []unix.PollFd{
			{Fd: int32(backend.fd), Events: unix.POLLIN},
			{Fd: int32(backend.wakeFD), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("poll inotify: %w", err)
		}
		if fds[1].Revents != 0 {
			return nil, ErrBackendClosed
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(backend.fd, backend.buffer)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("read inotify: %w", err)
		}
		events := parseInotifyEvents(backend.buffer[:n])
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

// Close wakes a blocked reader, waits for it to leave, then releases both descriptors.
func (backend *InotifyBackend) Close() error {
	var closeErr error
	backend.once.Do(func() {
		backend.closed.Store(true)
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(backend.wakeFD, one[:])

		backend.reading.Lock()
		defer backend.reading.Unlock()
		if err := unix.Close(backend.fd); err != nil {
			closeErr = err
		}
		if err := unix.Close(backend.wakeFD); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

// parseInotifyEvents decodes a buffer of struct inotify_event records.
func parseInotifyEvents(buffer []byte) []RawEvent {
	events := make([]RawEvent, 0, len(buffer)/(unix.SizeofInotifyEvent+16))
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		header := buffer[offset : offset+unix.SizeofInotifyEvent]
		wd := int32(binary.NativeEndian.Uint32(header[0:4]))
		mask := binary.NativeEndian.Uint32(header[4:8])
		cookie := binary.NativeEndian.Uint32(header[8:12])
		nameLen := int(binary.NativeEndian.Uint32(header[12:16]))

		start := offset + unix.SizeofInotifyEvent
		end := start + nameLen
		if end > len(buffer) {
			break
		}
		name := strings.TrimRight(string(buffer[start:end]), "\x00")
		events = append(events, translateInotifyEvent(wd, mask, cookie, name))
		offset = end
	}
	return events
}

func translateInotifyEvent(wd int32, mask, cookie uint32, name string) RawEvent {
	event := RawEvent{Watch: WatchID(wd), Name: name, Cookie: cookie}
	if mask&unix.IN_Q_OVERFLOW != 0 {
		return RawEvent{Watch: WatchID(wd), Overflow: true}
	}
	if mask&unix.IN_CREATE != 0 {
		event.Flags |= FlagCreate
	}
	if mask&unix.IN_DELETE != 0 {
		event.Flags |= FlagDelete
	}
	if mask&(unix.IN_MODIFY|unix.IN_ATTRIB) != 0 {
		event.Flags |= FlagModify
	}
	if mask&unix.IN_MOVED_FROM != 0 {
		event.Flags |= FlagMovedFrom
	}
	if mask&unix.IN_MOVED_TO != 0 {
		event.Flags |= FlagMovedTo
	}
	if mask&(unix.IN_DELETE_SELF|unix.IN_UNMOUNT) != 0 {
		event.Flags |= FlagSelfRemoved
	}
	if mask&unix.IN_MOVE_SELF != 0 {
		event.Flags |= FlagSelfMoved
	}
	if mask&unix.IN_ISDIR != 0 {
		event.Flags |= FlagIsDir
	}
	if mask&unix.IN_IGNORED != 0 {
		event.Flags |= FlagIgnored
	}
	return event
}

func defaultBackend() (Backend, error) {
	backend, err := NewInotifyBackend()
	if err != nil {
		return nil, err
	}
	return backend, nil
}
