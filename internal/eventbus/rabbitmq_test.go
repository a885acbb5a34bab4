package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newDisconnectedManager() *RabbitMQManager {
	rmq := &RabbitMQManager{
		connectMutex: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	rmq.connectMutex <- struct{}{}
	return rmq
}

func TestNotReadyGates(t *testing.T) {
	rmq := newDisconnectedManager()

	err := rmq.PublishMessage(context.Background(), "stock.changed", struct{}{})
	assert.EqualError(t, err, "producer not ready")

	err = rmq.StartConsuming(context.Background(), nil)
	assert.EqualError(t, err, "consumer not ready")
}

// The reconnect goroutine rewrites the readiness flag while publishers and
// the consumer check it; both sides must go through the state lock.
func TestReadinessCheckedUnderConcurrentStateWrites(t *testing.T) {
	rmq := newDisconnectedManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				assert.Error(t, rmq.PublishMessage(ctx, "stock.changed", nil))
				assert.Error(t, rmq.StartConsuming(ctx, nil))
				_ = rmq.connCloseC()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 500; j++ {
			rmq.mu.Lock()
			rmq.isReady = false
			rmq.isConnecting = j%2 == 0
			rmq.notifyConnClose = nil
			rmq.mu.Unlock()
		}
	}()

	wg.Wait()
}
