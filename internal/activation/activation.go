// Package activation picks up listening sockets handed over by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first descriptor systemd passes (after stdio).
const listenFDsStart = 3

// Listeners returns the sockets systemd passed to this process, or nil when
// the process was not socket-activated. The activation variables are cleared
// so children spawned later (git, ssh) do not inherit them.
func Listeners() ([]net.Listener, error) {
	n, err := passedFDs(os.Getenv, os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), "listen-fd-"+strconv.Itoa(fd))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("fd %d is not valid", fd)
		}

		// FileListener dups the descriptor, so the original can go.
		ln, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("fd %d is not a listening socket: %w", fd, err)
		}
		listeners = append(listeners, ln)
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}
	return listeners, nil
}

// passedFDs reports how many descriptors were passed to pid according to the
// LISTEN_PID and LISTEN_FDS variables read through getenv.
func passedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	target, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if target != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: negative", fdsStr)
	}
	return n, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
