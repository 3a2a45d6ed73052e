//go:build !linux

package storage

import "errors"

func filesystemType(string) (string, error) {
	return "", errors.New("filesystem detection is unsupported on this platform")
}
