package log

import (
	"fmt"
	"sync"
	"testing"
)

func TestCloseWithConcurrentProducers(t *testing.T) {
	al := NewAsyncLogger(256)

	// Producers keep logging while Close runs; none of them may panic on a
	// closed channel
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				al.log(LevelDebug, fmt.Sprintf("producer %d message %d", n, j), nil)
			}
		}(i)
	}

	al.Close()
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	al := NewAsyncLogger(8)
	al.log(LevelInfo, "before close", nil)

	al.Close()
	al.Close()

	// Late messages are dropped, not sent into a closed channel
	al.log(LevelInfo, "after close", nil)
}

func TestBufferFullDropsInsteadOfBlocking(t *testing.T) {
	al := NewAsyncLogger(1)
	defer al.Close()

	// Far more messages than the buffer holds; the caller must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			al.log(LevelInfo, "burst", nil)
		}
		close(done)
	}()

	<-done
}
