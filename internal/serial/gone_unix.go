//go:build unix

package serial

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// IsDeviceGone reports errors after which the port must be reopened.
func IsDeviceGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	for _, errno := range []unix.Errno{unix.ENXIO, unix.ENODEV, unix.EIO, unix.EBADF} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var perr *os.PathError
	return errors.As(err, &perr)
}
