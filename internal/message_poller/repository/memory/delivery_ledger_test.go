package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryLedger_MarkEmittedOnce(t *testing.T) {
	l := NewDeliveryLedger()
	ctx := context.Background()

	first, err := l.MarkEmitted(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, first)

	again, err := l.MarkEmitted(ctx, "a")
	assert.NoError(t, err)
	assert.False(t, again)

	other, _ := l.MarkEmitted(ctx, "b")
	assert.True(t, other)
}

func TestDeliveryLedger_Concurrent(t *testing.T) {
	l := NewDeliveryLedger()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := map[string]int{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i%5)
			if ok, _ := l.MarkEmitted(context.Background(), id); ok {
				mu.Lock()
				wins[id]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, wins, 5)
	for id, n := range wins {
		assert.Equal(t, 1, n, id)
	}
}
