package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSleeperWakeupCutsShort(t *testing.T) {
	s := NewSleeper()
	start := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Wakeup()
	}()
	s.Wait(time.Hour)
	require.Less(t, time.Since(start), time.Second)
}

func TestSleeperWaitTimesOut(t *testing.T) {
	s := NewSleeper()
	start := time.Now()
	s.Wait(20 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTimerFiresRepeatedly(t *testing.T) {
	var count atomic.Int32
	tm := New("test", 10*time.Millisecond, nil, func(any) { count.Add(1) })
	defer tm.Destroy()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestTimerWakeupForcesImmediateTick(t *testing.T) {
	var count atomic.Int32
	tm := New("test", time.Hour, nil, func(any) { count.Add(1) })
	defer tm.Destroy()

	tm.Wakeup()
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestTimerModifyChangesCallback(t *testing.T) {
	var first, second atomic.Int32
	tm := New("test", time.Hour, nil, func(any) { first.Add(1) })
	defer tm.Destroy()

	tm.Modify(10*time.Millisecond, nil, func(any) { second.Add(1) })
	require.Eventually(t, func() bool { return second.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(0), first.Load())
}

func TestTimerDestroyStopsFiring(t *testing.T) {
	var count atomic.Int32
	tm := New("test", 5*time.Millisecond, nil, func(any) { count.Add(1) })
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, 5*time.Millisecond)
	tm.Destroy()

	snapshot := count.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, snapshot, count.Load())
}
