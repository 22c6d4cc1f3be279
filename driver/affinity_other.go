//go:build !linux

package driver

import "errors"

func pinThread(int) error { return errors.ErrUnsupported }
