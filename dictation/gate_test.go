package dictation

import (
	"sync"
	"testing"
)

func TestReadyGate(t *testing.T) {
	var g readyGate
	if g.Ready() {
		t.Error("gate open before Set")
	}
	g.Set(true)
	if !g.Ready() {
		t.Error("gate closed after Set(true)")
	}
	g.Set(false)
	if g.Ready() {
		t.Error("gate open after Set(false)")
	}
}

// Exercised under -race: the gate is read on the capture callback path
// while the controller flips it.
func TestReadyGateConcurrent(t *testing.T) {
	var g readyGate
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				g.Set(j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = g.Ready()
			}
		}()
	}
	wg.Wait()
}
