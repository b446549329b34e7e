package pool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupWaitsForAll(t *testing.T) {
	p := New(3)
	defer p.Close()

	var done int32
	g := p.Group()
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&done, 1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(20), atomic.LoadInt32(&done))
}

func TestGroupCollectsErrors(t *testing.T) {
	p := New(2)
	defer p.Close()

	errA := errors.New("a")
	errB := errors.New("b")
	g := p.Group()
	g.Go(func() error { return errA })
	g.Go(func() error { return nil })
	g.Go(func() error { return errB })
	err := g.Wait()
	require.Error(t, err)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestGroupsAreIndependent(t *testing.T) {
	p := New(2)
	defer p.Close()

	block := make(chan struct{})
	slow := p.Group()
	slow.Go(func() error {
		<-block
		return nil
	})

	fast := p.Group()
	fast.Go(func() error { return nil })
	require.NoError(t, fast.Wait())

	close(block)
	require.NoError(t, slow.Wait())
}

func TestClose(t *testing.T) {
	p := New(1)
	var ran int32
	g := p.Group()
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	p.Close()
	require.NoError(t, g.Wait())
	require.Equal(t, int32(3), atomic.LoadInt32(&ran))
	require.Equal(t, int64(0), p.Busy())

	g = p.Group()
	g.Go(func() error { return nil })
	require.ErrorIs(t, g.Wait(), ErrClosed)
	// idempotent
	p.Close()
}
