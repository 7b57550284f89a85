//go:build !linux

package units

import (
	"context"
	"errors"
)

// NewDBusReader is only available on Linux.
func NewDBusReader(context.Context) (Reader, error) {
	return nil, errors.New("systemd units are only supported on linux")
}
