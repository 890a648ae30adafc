// Package activation picks the server listener, preferring a socket passed
// in by systemd over binding the configured address.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd passes descriptors starting after stdin, stdout and stderr.
const firstFD = 3

// Listen returns the first socket-activated listener when one was passed to
// this process, otherwise a TCP listener on addr. The bool reports whether
// the listener came from socket activation.
func Listen(addr string) (net.Listener, bool, error) {
	activated, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(activated) > 0 {
		for _, extra := range activated[1:] {
			_ = extra.Close()
		}
		return activated[0], true, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// Listeners returns the systemd-activated listeners, or nil when LISTEN_PID
// does not name this process.
func Listeners() ([]net.Listener, error) {
	count, err := activatedFDs()
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		ln, err := net.FileListener(file)
		// FileListener dups the descriptor.
		_ = file.Close()
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, ln)
	}

	// Children must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs parses LISTEN_PID and LISTEN_FDS.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	return max(n, 0), nil
}
