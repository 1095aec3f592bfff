//go:build !unix

package serial

import (
	"errors"
	"os"
)

// IsDeviceGone reports errors after which the port must be reopened.
func IsDeviceGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	var perr *os.PathError
	return errors.As(err, &perr)
}
