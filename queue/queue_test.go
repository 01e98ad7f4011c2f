package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int]("test")
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		got, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	assert.Equal(t, 0, q.Len())
}

// TestPopBlocksUntilPush verifies the consumer suspends on an empty queue and
// is woken by a later Push rather than spinning or erroring.
func TestPopBlocksUntilPush(t *testing.T) {
	q := New[string]("test")

	done := make(chan string, 1)
	go func() {
		item, err := q.Pop()
		if err != nil {
			done <- "error"
			return
		}
		done <- item
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestCloseReleasesConsumer(t *testing.T) {
	q := New[int]("test")

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}

	// Idempotent, and pushes after close are dropped.
	q.Close()
	q.Push(1)
	_, err := q.Pop()
	assert.ErrorIs(t, err, ErrClosed)
}

// TestConcurrentProducers checks that items from several producers all arrive
// exactly once, with per-producer order preserved.
func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 200

	q := New[[2]int]("test")
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for i := 0; i < producers*perProducer; i++ {
		item, err := q.Pop()
		require.NoError(t, err)
		p, seq := item[0], item[1]
		assert.Equal(t, last[p]+1, seq, "producer %d out of order", p)
		last[p] = seq
	}
}
