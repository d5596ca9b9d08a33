package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgeworks/forged/internal/build"
)

func testArtifact(content string) *build.Artifact {
	a := build.NewArtifact()
	a.Put("main.py", content)
	a.Put("README.md", "# test")
	return a
}

func TestCache_RoundTripByteIdentical(t *testing.T) {
	c := New(10, time.Hour)
	original := testArtifact("print('hello')")
	c.Put("fp-1", original, 91.5)

	got, score, ok := c.Lookup("fp-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if score != 91.5 {
		t.Errorf("score = %v, want the delivered 91.5", score)
	}
	if got.Len() != original.Len() {
		t.Fatalf("file count = %d, want %d", got.Len(), original.Len())
	}
	for _, p := range original.Paths() {
		want, _ := original.Get(p)
		have, ok := got.Get(p)
		if !ok || have != want {
			t.Errorf("file %s: got %q, want %q", p, have, want)
		}
	}
}

func TestCache_SnapshotImmutable(t *testing.T) {
	c := New(10, time.Hour)
	a := testArtifact("v1")
	c.Put("fp-1", a, 80)
	a.Put("main.py", "mutated after put")

	got, _, _ := c.Lookup("fp-1")
	if content, _ := got.Get("main.py"); content != "v1" {
		t.Errorf("cached snapshot mutated: %q", content)
	}

	got.Put("main.py", "mutated after lookup")
	again, _, _ := c.Lookup("fp-1")
	if content, _ := again.Get("main.py"); content != "v1" {
		t.Errorf("cached snapshot mutated via lookup result: %q", content)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(3, time.Hour)
	c.Put("fp-1", testArtifact("1"), 75)
	c.Put("fp-2", testArtifact("2"), 75)
	c.Put("fp-3", testArtifact("3"), 75)

	// Touch fp-1 so fp-2 becomes least recently used.
	if _, _, ok := c.Lookup("fp-1"); !ok {
		t.Fatal("fp-1 should be cached")
	}

	c.Put("fp-4", testArtifact("4"), 75)

	if c.Contains("fp-2") {
		t.Error("fp-2 should have been evicted (least recently used)")
	}
	for _, fp := range []string{"fp-1", "fp-3", "fp-4"} {
		if !c.Contains(fp) {
			t.Errorf("%s should still be cached", fp)
		}
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	c.Put("fp-1", testArtifact("1"), 75)
	time.Sleep(60 * time.Millisecond)

	if _, _, ok := c.Lookup("fp-1"); ok {
		t.Error("entry should have expired")
	}
}

func TestCache_Stats(t *testing.T) {
	c := New(10, time.Hour)
	c.Put("fp-1", testArtifact("1"), 75)

	c.Lookup("fp-1")
	c.Lookup("fp-1")
	c.Lookup("fp-missing")

	s := c.Stats()
	if s.Size != 1 {
		t.Errorf("Size = %d, want 1", s.Size)
	}
	if s.Capacity != 10 {
		t.Errorf("Capacity = %d, want 10", s.Capacity)
	}
	want := 2.0 / 3.0
	if s.HitRate < want-0.001 || s.HitRate > want+0.001 {
		t.Errorf("HitRate = %f, want %f", s.HitRate, want)
	}
}

func TestFlight_ConcurrentCallersShareOneBuild(t *testing.T) {
	var flight Flight
	var calls atomic.Int32
	release := make(chan struct{})

	const n = 8
	var wg, started sync.WaitGroup
	started.Add(n)
	results := make([]build.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			resp, _, err := flight.Do("fp-same", func() (build.Response, error) {
				calls.Add(1)
				<-release
				return build.Response{Success: true, DecisionRationale: "built once"}, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = resp
		}(i)
	}

	// Give all goroutines time to join the flight before releasing.
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("build ran %d times, want exactly 1", got)
	}
	for i, r := range results {
		if !r.Success || r.DecisionRationale != "built once" {
			t.Errorf("caller %d got %+v, want shared result", i, r)
		}
	}
}

func TestFlight_DistinctFingerprintsDoNotShare(t *testing.T) {
	var flight Flight
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flight.Do(fmt.Sprintf("fp-%d", i), func() (build.Response, error) {
				calls.Add(1)
				return build.Response{}, nil
			})
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("builds = %d, want 3", got)
	}
}
