//go:build windows

package process

import (
	"context"
	"os"
	"syscall"
)

func GroupID(pid int) int {
	return 0
}

func SysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(pid, _ int) error {
	if pid <= 0 || !IsAlive(pid) {
		return ErrProcessNotFound
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	return process.Kill()
}

func stopProcess(ctx context.Context, pid, pgid int, wait func(context.Context) error) error {
	if err := terminate(pid, pgid); err != nil {
		return err
	}
	return waitForExit(ctx, pid, wait)
}
