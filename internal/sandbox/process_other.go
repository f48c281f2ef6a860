//go:build !unix

package sandbox

import (
	"errors"
	"os"
	"syscall"
)

func processAlive(int) bool {
	return false
}

func signalPID(int, syscall.Signal) error {
	return errors.New("process groups require a unix host")
}

func currentPID() int {
	return os.Getpid()
}
