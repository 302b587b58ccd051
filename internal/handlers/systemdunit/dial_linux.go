//go:build linux

package systemdunit

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// SystemDialer connects to the system bus.
func SystemDialer() Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect to systemd: %w", err)
		}
		return c, nil
	}
}
