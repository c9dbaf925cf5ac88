package semaphore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultUpDown(t *testing.T) {
	Reset()
	s := New()
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.Down()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Down returned before matching Up")
	default:
	}

	s.Up()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Down did not unblock after Up")
	}
}

func TestDefaultDoubleUpPanics(t *testing.T) {
	Reset()
	s := New()
	defer s.Close()
	s.Up()
	require.Panics(t, func() { s.Up() })
}

func TestSleepUsesRegisteredBackend(t *testing.T) {
	Reset()
	defer Reset()

	var slept time.Duration
	RegisterBackend(func() bool { return true }, fakeBackend{sleep: func(d time.Duration) { slept = d }})

	Sleep(5 * time.Millisecond)
	require.Equal(t, 5*time.Millisecond, slept)
}

func TestSpecialFalseFallsBackToDefault(t *testing.T) {
	Reset()
	defer Reset()

	RegisterBackend(func() bool { return false }, fakeBackend{newFn: func() Instance { panic("should not be called") }})

	inst := New()
	require.IsType(t, &defaultSem{}, inst)
}

func TestRegisterBackendNilSpecialIsUnconditional(t *testing.T) {
	Reset()
	defer Reset()

	want := &fakeInstance{}
	RegisterBackend(nil, fakeBackend{newFn: func() Instance { return want }})

	require.Same(t, Instance(want), New())
}

type fakeBackend struct {
	newFn func() Instance
	sleep func(time.Duration)
}

func (f fakeBackend) New() Instance {
	if f.newFn != nil {
		return f.newFn()
	}
	return &fakeInstance{}
}

func (f fakeBackend) Sleep(d time.Duration) {
	if f.sleep != nil {
		f.sleep(d)
	}
}

type fakeInstance struct{}

func (*fakeInstance) Up()      {}
func (*fakeInstance) Down() error { return nil }
func (*fakeInstance) Close()   {}
