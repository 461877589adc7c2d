package dedup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestShouldProcessOnce(t *testing.T) {
	f, err := New(10, 2)
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"a", "b", `{"chatTopic":"x"}`, ""} {
		if !f.ShouldProcess([]byte(msg)) {
			t.Errorf("'%s': first call must return true", msg)
		}
		if f.ShouldProcess([]byte(msg)) {
			t.Errorf("'%s': second call must return false", msg)
		}
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	const maxEntries, minEntries = 20, 5
	f, err := New(maxEntries, minEntries)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i <= maxEntries; i++ {
		f.ShouldProcess([]byte(fmt.Sprintf("msg-%d", i)))
	}

	if f.Len() != minEntries {
		t.Fatalf("expected %d entries after pruning, got %d", minEntries, f.Len())
	}

	var want [][]byte
	for i := maxEntries + 1 - minEntries; i <= maxEntries; i++ {
		want = append(want, []byte(fmt.Sprintf("msg-%d", i)))
	}
	if diff := cmp.Diff(want, f.keys()); diff != "" {
		t.Errorf("retained keys mismatch (-want +got):\n%s", diff)
	}

	// Evicted entries are treated as new.
	if !f.ShouldProcess([]byte("msg-0")) {
		t.Error("evicted message must be processed again")
	}
	// Retained entries are still duplicates.
	if f.ShouldProcess([]byte(fmt.Sprintf("msg-%d", maxEntries))) {
		t.Error("retained message must be reported as duplicate")
	}
}

func TestNoPruneBelowLimit(t *testing.T) {
	f, _ := New(DefaultMaxEntries, DefaultMinEntries)
	for i := 0; i < DefaultMaxEntries; i++ {
		f.ShouldProcess([]byte(fmt.Sprint(i)))
	}
	if f.Len() != DefaultMaxEntries {
		t.Errorf("expected %d entries, got %d", DefaultMaxEntries, f.Len())
	}
}

func TestInvalidBounds(t *testing.T) {
	if _, err := New(10, 10); err != ErrEntryLimits {
		t.Errorf("min == max must be rejected, got %v", err)
	}
	if _, err := New(10, 20); err != ErrEntryLimits {
		t.Errorf("min > max must be rejected, got %v", err)
	}
}

func TestConcurrentSameMessage(t *testing.T) {
	f, _ := New(100, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.ShouldProcess([]byte("same")) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly one acceptance, got %d", accepted)
	}
}
