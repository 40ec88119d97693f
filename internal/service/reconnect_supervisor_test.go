package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatwire/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastMount is the production schedule scaled down a thousandfold.
func fastMount() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       false,
	}
}

func TestReconnectSupervisor_MountBackoffScheduleThenAbandon(t *testing.T) {
	opener := newFakeOpener(errors.New("backend down"))
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	require.True(t, waitFor(2*time.Second, sup.Abandoned))

	// Initial open plus three scheduled retries, nothing after abandonment.
	require.Equal(t, 4, opener.callCount())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 4, opener.callCount())

	// The waits between attempts follow the doubling schedule. time.After
	// never fires early, so the lower bounds are exact.
	times := opener.callTimes()
	require.Len(t, times, 4)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, times[3].Sub(times[2]), 40*time.Millisecond)
}

func TestReconnectSupervisor_MountSucceedsMidSchedule(t *testing.T) {
	opener := newFakeOpener(errors.New("down"), errors.New("still down"), nil)
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	require.True(t, waitFor(2*time.Second, func() bool { return opener.callCount() == 3 }))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 3, opener.callCount())
	assert.False(t, sup.Abandoned())
}

func TestReconnectSupervisor_ExtraDisconnectsDoNotStretchBudget(t *testing.T) {
	opener := newFakeOpener(errors.New("down"))
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	// Redundant loss reports while the retry loop already owns recovery.
	for i := 0; i < 5; i++ {
		sup.NotifyDisconnected(errors.New("also down"))
		time.Sleep(5 * time.Millisecond)
	}

	require.True(t, waitFor(2*time.Second, sup.Abandoned))
	assert.Equal(t, 4, opener.callCount())
}

func TestReconnectSupervisor_SteadyRetryAfterConnected(t *testing.T) {
	opener := newFakeOpener(nil)
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), 20*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	require.True(t, waitFor(time.Second, func() bool { return opener.callCount() == 1 }))
	sup.NotifyConnected()

	sup.NotifyDisconnected(errors.New("connection reset"))

	require.True(t, waitFor(time.Second, func() bool { return opener.callCount() == 2 }))
	assert.False(t, sup.Abandoned())

	times := opener.callTimes()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
}

func TestReconnectSupervisor_SteadyNeverAbandons(t *testing.T) {
	// More consecutive failures than the mount budget allows; an established
	// conversation still keeps retrying until it lands.
	opener := newFakeOpener(nil, errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"), nil)
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	require.True(t, waitFor(time.Second, func() bool { return opener.callCount() == 1 }))
	sup.NotifyConnected()
	sup.NotifyDisconnected(errors.New("connection reset"))

	require.True(t, waitFor(2*time.Second, func() bool { return opener.callCount() == 6 }))
	assert.False(t, sup.Abandoned())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, opener.callCount(), "loop should stop once an open succeeds")
}

func TestReconnectSupervisor_StopCancelsPendingRetry(t *testing.T) {
	opener := newFakeOpener(errors.New("down"))
	mount := fastMount()
	mount.InitialDelay = 200 * time.Millisecond
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, mount, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	require.True(t, waitFor(time.Second, func() bool { return opener.callCount() == 1 }))
	sup.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, opener.callCount(), "no retry should fire after Stop")
	assert.False(t, sup.Abandoned())
}

func TestReconnectSupervisor_StartTwiceRunsOnce(t *testing.T) {
	opener := newFakeOpener()
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	sup.Start(ctx)
	defer sup.Stop()

	require.True(t, waitFor(time.Second, func() bool { return opener.callCount() == 1 }))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, opener.callCount())
}

func TestReconnectSupervisor_DisconnectBeforeStartIsIgnored(t *testing.T) {
	opener := newFakeOpener()
	sup := NewReconnectSupervisorWithSchedule("chat-1", opener, fastMount(), time.Hour, quietLogger())

	sup.NotifyDisconnected(errors.New("phantom"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, opener.callCount())
}
