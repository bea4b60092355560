package process

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoThreadHandle(t *testing.T) {
	release := make(chan struct{})
	h := Go(context.Background(), func(context.Context) error {
		<-release
		return errors.New("done with error")
	})
	assert.Equal(t, KindThread, h.Kind())
	assert.Equal(t, 0, h.PID())
	assert.False(t, h.StartedAt().IsZero())
	assert.False(t, TryWait(h))

	close(release)
	Wait(h)
	assert.True(t, TryWait(h))
	assert.EqualError(t, h.Err(), "done with error")
}

func TestGoRecoversPanic(t *testing.T) {
	h := Go(context.Background(), func(context.Context) error { panic("oops") })
	Wait(h)
	assert.EqualError(t, h.Err(), "panic: oops")
}

func TestWaitMany(t *testing.T) {
	var hs []*Handle
	for i := 0; i < 3; i++ {
		d := time.Duration(i*10) * time.Millisecond
		hs = append(hs, Go(context.Background(), func(context.Context) error {
			time.Sleep(d)
			return nil
		}))
	}
	hs = append(hs, nil)
	Wait(hs...)
	for _, h := range hs[:3] {
		assert.True(t, TryWait(h))
	}
}

func TestWaitAdoptedPIDNotOurChild(t *testing.T) {
	requireUnix(t)
	// The parent of the test binary is never our child: wait4 yields ECHILD.
	h := FromPID(os.Getppid())
	assert.Nil(t, h.Done())
	assert.True(t, h.StartedAt().IsZero())

	finished := make(chan struct{})
	go func() {
		Wait(h)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait blocked on a pid that is not our child")
	}
	assert.True(t, TryWait(h))
	assert.True(t, TryWait(nil))
	assert.True(t, TryWait(FromPID(0)))
}
