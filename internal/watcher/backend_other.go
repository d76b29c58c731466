//go:build !linux

package watcher

import "fmt"

// InotifyBackend is only available on Linux.
type InotifyBackend struct{ Backend }

// NewInotifyBackend always fails outside Linux.
func NewInotifyBackend() (*InotifyBackend, error) {
	return nil, fmt.Errorf("%w: inotify requires linux", ErrBackendUnavailable)
}

func defaultBackend() (Backend, error) {
	backend, err := NewFSNotifyBackend()
	if err != nil {
		return nil, err
	}
	return backend, nil
}
