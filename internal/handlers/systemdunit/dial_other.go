//go:build !linux

package systemdunit

import "context"

func SystemDialer() Dialer {
	return func(context.Context) (Conn, error) { return nil, ErrUnsupported }
}
