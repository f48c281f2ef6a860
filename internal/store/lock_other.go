//go:build !unix

package store

import "os"

// Without flock only the in-process mutex in WithFileLock applies.
func lockFile(_ *os.File) (func(), error) {
	return func() {}, nil
}

func tryLockFile(_ *os.File, _ bool) (bool, error) {
	return true, nil
}
