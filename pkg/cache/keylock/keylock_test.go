package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocker_SerialisesSameKey(t *testing.T) {
	l := New(0)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock := l.Lock("section/minute/s1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5000, counter)
}

func TestLocker_SingleStripe(t *testing.T) {
	l := New(1)
	unlock := l.Lock("a")
	unlock()
	unlock = l.Lock("b")
	unlock()
	assert.Len(t, l.stripes, 1)
}
