//go:build linux

package signalbridge_test

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nqreactor/reactor/internal/signalbridge"
)

// waitCaught polls Drain until sig shows up or the deadline passes, giving
// the os/signal relay goroutine time to observe the delivery.
func waitCaught(t *testing.T, b *signalbridge.Bridge, sig syscall.Signal) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fired := b.Drain(); fired != nil {
			return fired[sig]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("signal %d never observed", sig)
	return 0
}

func TestSingleOwnerClaim(t *testing.T) {
	b, err := signalbridge.New()
	require.Nil(t, err)

	_, err = signalbridge.New()
	assert.ErrorIs(t, err, signalbridge.ErrAlreadyOwned)

	// Close releases the claim; a fresh base must be able to take over.
	require.Nil(t, b.Close())
	b2, err := signalbridge.New()
	require.Nil(t, err)
	require.Nil(t, b2.Close())
}

func TestDrainReportsCoalescedCount(t *testing.T) {
	b, err := signalbridge.New()
	require.Nil(t, err)
	defer b.Close()

	require.Nil(t, b.Add(syscall.SIGUSR2))

	pid := os.Getpid()
	const deliveries = 3
	for i := 0; i < deliveries; i++ {
		require.Nil(t, syscall.Kill(pid, syscall.SIGUSR2))
		// Serialize deliveries so none is dropped by the kernel's pending-
		// signal coalescing before the runtime observes it.
		time.Sleep(20 * time.Millisecond)
	}

	total := waitCaught(t, b, syscall.SIGUSR2)
	for total < deliveries {
		total += waitCaught(t, b, syscall.SIGUSR2)
	}
	assert.Equal(t, deliveries, total)

	// Every counter was reset; an immediate re-drain finds nothing.
	assert.Nil(t, b.Drain())
}

func TestDrainWakesSelfPipe(t *testing.T) {
	b, err := signalbridge.New()
	require.Nil(t, err)
	defer b.Close()

	require.Nil(t, b.Add(syscall.SIGUSR2))
	require.Nil(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

	// The self-pipe must become readable so a backend blocked in its wait
	// call notices the delivery.
	pfd := []unix.PollFd{{Fd: int32(b.FD()), Events: unix.POLLIN}}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := unix.Poll(pfd, 100)
		if err == unix.EINTR {
			continue
		}
		require.Nil(t, err)
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("self-pipe never became readable")
		}
	}

	got := waitCaught(t, b, syscall.SIGUSR2)
	assert.GreaterOrEqual(t, got, 1)
}

func TestAddIsIdempotent(t *testing.T) {
	b, err := signalbridge.New()
	require.Nil(t, err)
	defer b.Close()

	require.Nil(t, b.Add(syscall.SIGUSR2))
	require.Nil(t, b.Add(syscall.SIGUSR2))

	require.Nil(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	got := waitCaught(t, b, syscall.SIGUSR2)
	assert.Equal(t, 1, got, "double registration must not double-count deliveries")
}

func TestDelOfUnknownSignalIsNoop(t *testing.T) {
	b, err := signalbridge.New()
	require.Nil(t, err)
	defer b.Close()

	assert.Nil(t, b.Del(syscall.SIGUSR2))
}

func TestSignalOutOfRangeRejected(t *testing.T) {
	b, err := signalbridge.New()
	require.Nil(t, err)
	defer b.Close()

	assert.NotNil(t, b.Add(syscall.Signal(4096)))
	assert.NotNil(t, b.Del(syscall.Signal(4096)))
}
