package utils

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			km.Lock("session-1")
			counter++
			km.Unlock("session-1")
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected %d increments, got %d", workers, counter)
	}
}

func TestKeyedMutex_ReapsIdleKeys(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("a")
	km.Lock("b")
	if km.Len() != 2 {
		t.Fatalf("expected 2 live keys, got %d", km.Len())
	}
	km.Unlock("a")
	km.Unlock("b")

	if km.Len() != 0 {
		t.Fatalf("expected reaped keys, got %d", km.Len())
	}
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done // must complete while "a" is still held
	km.Unlock("a")
}
