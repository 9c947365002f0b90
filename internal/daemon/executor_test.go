package daemon

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCounter struct {
	mu    sync.Mutex
	value int
}

func (c *testCounter) Inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

func (c *testCounter) Boom() error { return errors.New("kaboom") }

func encode(t *testing.T, c codec.Codec, v any) []byte {
	t.Helper()
	data, err := c.Encode(v)
	require.NoError(t, err)
	return data
}

func TestExecutorTotalOrderUnderConcurrency(t *testing.T) {
	t.Parallel()

	c := codec.NewCBOR()
	obj := &testCounter{}
	exec := NewExecutor(obj, c)
	go exec.Run()
	defer exec.Shutdown()

	const clients = 8
	const callsPerClient = 20
	results := make(chan int, clients*callsPerClient)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerClient; j++ {
				reply := make(chan executionResult, 1)
				ok := exec.Submit(&executionRequest{MethodName: "Inc", reply: reply})
				require.True(t, ok)
				res := <-reply
				require.Nil(t, res.RemoteErr)
				var v int
				require.NoError(t, c.Decode(res.Value, &v))
				results <- v
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, clients*callsPerClient)
	for i := 1; i <= clients*callsPerClient; i++ {
		assert.True(t, seen[i], "missing value %d", i)
	}
}

func TestExecutorRemoteErrorDoesNotStallSession(t *testing.T) {
	t.Parallel()

	c := codec.NewCBOR()
	obj := &testCounter{}
	exec := NewExecutor(obj, c)
	go exec.Run()
	defer exec.Shutdown()

	reply := make(chan executionResult, 1)
	require.True(t, exec.Submit(&executionRequest{MethodName: "Boom", reply: reply}))
	res := <-reply
	require.NotNil(t, res.RemoteErr)
	assert.Equal(t, "kaboom", res.RemoteErr.Message)

	reply2 := make(chan executionResult, 1)
	require.True(t, exec.Submit(&executionRequest{MethodName: "Inc", reply: reply2}))
	res2 := <-reply2
	require.Nil(t, res2.RemoteErr)
}

type blockingObject struct {
	release chan struct{}
}

func (b *blockingObject) Wait() int {
	<-b.release
	return 1
}

func TestExecutorShutdownDrainsPendingWithShuttingDownError(t *testing.T) {
	t.Parallel()

	c := codec.NewCBOR()
	obj := &blockingObject{release: make(chan struct{})}
	exec := NewExecutor(obj, c)
	go exec.Run()

	// The worker dequeues this one immediately and blocks inside Wait,
	// simulating an in-flight call at the moment shutdown is requested.
	inFlight := make(chan executionResult, 1)
	require.True(t, exec.Submit(&executionRequest{MethodName: "Wait", reply: inFlight}))

	// Give the worker a moment to actually dequeue the in-flight request
	// before more work piles up behind it.
	for exec.QueueDepth() != 0 {
		time.Sleep(time.Millisecond)
	}
	var pending []chan executionResult
	for i := 0; i < 5; i++ {
		reply := make(chan executionResult, 1)
		require.True(t, exec.Submit(&executionRequest{MethodName: "Wait", reply: reply}))
		pending = append(pending, reply)
	}

	// Signal shutdown before releasing the in-flight call, so the worker is
	// guaranteed to observe the stop signal as soon as it finishes the call
	// in progress, before it could pull another "Wait" off the queue.
	exec.RequestShutdown()
	close(obj.release)
	exec.Wait()

	res := <-inFlight
	require.Nil(t, res.RemoteErr)

	for _, reply := range pending {
		res := <-reply
		require.NotNil(t, res.RemoteErr)
		assert.Equal(t, KindServerShuttingDown.String(), res.RemoteErr.KindTag)
	}
}

func TestExecutorRejectsSubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	c := codec.NewCBOR()
	exec := NewExecutor(&testCounter{}, c)
	go exec.Run()
	exec.Shutdown()

	reply := make(chan executionResult, 1)
	ok := exec.Submit(&executionRequest{MethodName: "Inc", reply: reply})
	assert.False(t, ok)
}
