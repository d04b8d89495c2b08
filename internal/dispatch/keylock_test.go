package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// held reports how many keys currently have a holder or waiter.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var k keyedMutex
	a := state.Key{Policy: "exp3", Label: "a"}
	b := state.Key{Policy: "exp3", Label: "b"}

	unlockA := k.lock(a)
	unlockB := k.lock(b)
	assert.Equal(t, 2, k.held())

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(a)
			counter++
			unlock()
		}()
	}
	unlockB()
	unlockA()
	wg.Wait()

	assert.Equal(t, 16, counter)
	assert.Equal(t, 0, k.held())
}
