package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalsStackBalancedAllocFree(t *testing.T) {
	s := NewLocalsStack(1024)
	require.Zero(t, s.Size())

	a := s.Allocate(100)
	require.NotNil(t, a)
	require.Equal(t, uint32(104), s.Size()) // aligned to 8

	b := s.Allocate(50)
	require.NotNil(t, b)
	sizeAfterB := s.Size()

	c := s.Allocate(8)
	require.NotNil(t, c)

	s.Free()
	require.Equal(t, sizeAfterB, s.Size())
	s.Free()
	require.Equal(t, uint32(104), s.Size())
	s.Free()
	require.Zero(t, s.Size())

	// freeing an empty stack is a no-op
	s.Free()
	require.Zero(t, s.Size())
}

func TestLocalsStackOverflow(t *testing.T) {
	s := NewLocalsStack(64)
	require.NotNil(t, s.Allocate(32))
	require.Nil(t, s.Allocate(64))
	// the failed allocation left no mark behind
	s.Free()
	require.Zero(t, s.Size())
}

func TestStackPoolNeedsTwoStacks(t *testing.T) {
	_, err := NewStackPool(1, 1024)
	require.Error(t, err)
	p, err := NewStackPool(2, 1024)
	require.NoError(t, err)
	require.Equal(t, 2, p.NumStacks())
}

func TestStackPoolReservation(t *testing.T) {
	p, err := NewStackPool(2, 1024)
	require.NoError(t, err)

	// a reader ignoring the first stack always lands on stack 1
	idx := p.Acquire(1)
	require.Equal(t, 1, idx)

	// a writer can still take stack 0 without blocking
	widx := p.Acquire(0)
	require.Equal(t, 0, widx)

	p.Release(idx)
	p.Release(widx)
}

func TestStackPoolAcquireBlocksUntilRelease(t *testing.T) {
	p, err := NewStackPool(2, 1024)
	require.NoError(t, err)

	first := p.Acquire(1)
	require.Equal(t, 1, first)

	acquired := make(chan int)
	go func() {
		acquired <- p.Acquire(1)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case idx := <-acquired:
		t.Fatalf("second reader acquired stack %d while the slot was held", idx)
	default:
	}

	p.Release(first)
	idx := <-acquired
	require.Equal(t, 1, idx)
	p.Release(idx)
}
