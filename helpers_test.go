package netreactor

import (
	"os"
	"os/exec"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const deathTestEnv = "NETREACTOR_DEATH_TEST"

// expectFatal re-runs the calling top-level test in a child process where
// fn must terminate the process. It returns the child's output.
func expectFatal(t *testing.T, fn func()) string {
	t.Helper()
	if os.Getenv(deathTestEnv) == t.Name() {
		fn()
		os.Exit(0)
	}
	cmd := exec.Command(os.Args[0], "-test.run=^"+regexp.QuoteMeta(t.Name())+"$", "-test.count=1")
	cmd.Env = append(os.Environ(), deathTestEnv+"="+t.Name())
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "child survived: %s", out)
	require.NotEqual(t, 0, exitErr.ExitCode())
	return string(out)
}

// newTestLoop creates a loop owned by the test goroutine and closes it on
// cleanup so the thread slot is released.
func newTestLoop(t *testing.T, config EventLoopConfig) *EventLoop {
	t.Helper()
	if config.Name == "" {
		config.Name = t.Name()
	}
	loop := NewEventLoop(config)
	t.Cleanup(func() {
		require.NoError(t, loop.Close())
	})
	return loop
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}
