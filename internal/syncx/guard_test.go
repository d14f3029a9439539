package syncx

import (
	"sync"
	"testing"
)

func snapshot[T any](g *Guard[T]) T {
	var v T
	g.Read(func(x T) { v = x })
	return v
}

func TestGuardUpdateReportsChange(t *testing.T) {
	g := NewGuard(0)

	changed := g.Update(func(v *int) bool {
		*v = 5
		return true
	})
	if !changed || snapshot(g) != 5 {
		t.Errorf("Update changed=%v value=%d, want true/5", changed, snapshot(g))
	}

	changed = g.Update(func(v *int) bool { return false })
	if changed {
		t.Error("Update should propagate fn's false")
	}
}

func TestGuardConcurrentUpdates(t *testing.T) {
	g := NewGuard(0)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Update(func(v *int) bool {
				*v++
				return true
			})
		}()
	}
	wg.Wait()

	if snapshot(g) != 100 {
		t.Errorf("value = %d after 100 increments, want 100", snapshot(g))
	}
}

func TestGuardRead(t *testing.T) {
	g := NewGuard("hello")
	var seen string
	g.Read(func(v string) { seen = v })
	if seen != "hello" {
		t.Errorf("Read saw %q, want hello", seen)
	}
}
