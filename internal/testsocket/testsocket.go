//go:build linux

// Package testsocket provides a socketpair(2)-backed pair of connected,
// non-blocking Unix domain sockets for driving the wire codec and server
// dispatch loop against a real kernel socket in tests, instead of mocking
// the codec — matching spec.md §8's round-trip and end-to-end scenarios.
package testsocket

import (
	"testing"

	"golang.org/x/sys/unix"
)

// Pair returns two raw, connected, non-blocking socket descriptors
// (client, server), cleaned up automatically at test end.
func Pair(t *testing.T) (clientFd, serverFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("testsocket: socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// InjectFD creates a pipe and returns its read end, for tests that need a
// throwaway, closable file descriptor to push through SCM_RIGHTS (spec.md
// §8 scenario 5's fd-ordering test).
func InjectFD(t *testing.T) int {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("testsocket: pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})
	return fds[0]
}
