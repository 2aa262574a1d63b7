package slotty

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientPool(t *testing.T) {
	assert := assert.New(t)
	node := Node{IP: "127.0.0.1", MetaPort: 9000}

	newPool := func(factory ClientFactory, max int, wait time.Duration) *ClientPool {
		return NewClientPool(ClientPoolOptions{
			Factory:               factory,
			MaxConnectionsPerNode: max,
			WaitTimeout:           wait,
		})
	}

	t.Run("reuse_idle_client", func(t *testing.T) {
		factory := &countingFactory{}
		pool := newPool(factory, 2, time.Second)

		client, err := pool.GetClient(context.Background(), node)
		assert.NoError(err)
		pool.PutClient(node, client)
		assert.Equal(1, pool.Idle(node))

		again, err := pool.GetClient(context.Background(), node)
		assert.NoError(err)
		assert.Same(client, again)
		assert.Equal(int32(1), factory.created.Load())
		assert.Equal(1, pool.Outstanding(node))
	})

	t.Run("only_one_waiter_times_out", func(t *testing.T) {
		const max = 2
		wait := 300 * time.Millisecond
		factory := &countingFactory{}
		pool := newPool(factory, max, wait)

		held := make([]Client, 0, max)
		for range max {
			client, err := pool.GetClient(context.Background(), node)
			assert.NoError(err)
			held = append(held, client)
		}
		assert.Equal(int32(max), factory.created.Load())

		var wg sync.WaitGroup
		durations := make([]time.Duration, 2)
		for i := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				start := time.Now()
				_, err := pool.GetClient(context.Background(), node)
				assert.NoError(err)
				durations[i] = time.Since(start)
			}()
		}

		time.Sleep(50 * time.Millisecond)
		pool.PutClient(node, held[0])
		wg.Wait()

		timedOut := 0
		for _, duration := range durations {
			if duration >= wait {
				timedOut++
			}
		}
		assert.Equal(1, timedOut)
		assert.Equal(int32(max+1), factory.created.Load())
		assert.Equal(max+1, pool.Outstanding(node))
	})

	t.Run("context_cancelled_while_waiting", func(t *testing.T) {
		pool := newPool(&countingFactory{}, 1, time.Minute)
		_, err := pool.GetClient(context.Background(), node)
		assert.NoError(err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = pool.GetClient(ctx, node)
		assert.ErrorIs(err, context.DeadlineExceeded)
	})

	t.Run("failed_creation_releases_slot", func(t *testing.T) {
		factory := &countingFactory{}
		factory.fail.Store(true)
		pool := newPool(factory, 1, time.Minute)

		_, err := pool.GetClient(context.Background(), node)
		assert.ErrorIs(err, errNodeDown)
		assert.Equal(0, pool.Outstanding(node))

		factory.fail.Store(false)
		_, err = pool.GetClient(context.Background(), node)
		assert.NoError(err)
	})

	t.Run("recreate_client", func(t *testing.T) {
		factory := &countingFactory{}
		pool := newPool(factory, 1, time.Minute)
		client, err := pool.GetClient(context.Background(), node)
		assert.NoError(err)

		replacement, err := pool.RecreateClient(node, client)
		assert.NoError(err)
		assert.True(client.(*countingClient).closed.Load())
		assert.NotSame(client, replacement)
		assert.Equal(1, pool.Outstanding(node))

		factory.fail.Store(true)
		_, err = pool.RecreateClient(node, replacement)
		assert.Error(err)
		assert.Equal(0, pool.Outstanding(node))
	})

	t.Run("discard_client", func(t *testing.T) {
		pool := newPool(&countingFactory{}, 1, time.Minute)
		client, err := pool.GetClient(context.Background(), node)
		assert.NoError(err)
		pool.DiscardClient(node, client)
		assert.Equal(0, pool.Outstanding(node))
		assert.Equal(0, pool.Idle(node))
	})

	t.Run("close", func(t *testing.T) {
		pool := newPool(&countingFactory{}, 1, time.Minute)
		client, err := pool.GetClient(context.Background(), node)
		assert.NoError(err)

		done := make(chan error, 1)
		go func() {
			_, err := pool.GetClient(context.Background(), node)
			done <- err
		}()
		time.Sleep(50 * time.Millisecond)
		pool.Close()
		assert.ErrorIs(<-done, ErrClientPoolClosed)

		pool.PutClient(node, client)
		assert.True(client.(*countingClient).closed.Load())
		_, err = pool.GetClient(context.Background(), node)
		assert.ErrorIs(err, ErrClientPoolClosed)
	})
}
