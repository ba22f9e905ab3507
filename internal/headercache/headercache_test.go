package headercache_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/raysh454/m365guard/internal/headercache"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestPutGetAndCopySemantics(t *testing.T) {
	t.Parallel()
	c := headercache.New(0, 0)
	h := http.Header{"Content-Security-Policy": {"default-src 'self'"}}
	c.Put(1, "https://a.example/", h)
	h.Set("Content-Security-Policy", "mutated")

	got, ok := c.Get(1)
	if !ok || got.Headers.Get("Content-Security-Policy") != "default-src 'self'" || got.URL != "https://a.example/" {
		t.Fatalf("unexpected entry %+v ok=%v", got, ok)
	}
	got.Headers.Set("X", "y")
	again, _ := c.Get(1)
	if again.Headers.Get("X") != "" {
		t.Error("returned headers must be a copy")
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Unix(0, 0)}
	c := headercache.New(10, time.Minute)
	c.SetClock(clk.now)

	c.Put(1, "u", http.Header{})
	clk.t = clk.t.Add(61 * time.Second)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry must be dropped, len=%d", c.Len())
	}
}

func TestEvictsOldestInsertionWhenFull(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Unix(0, 0)}
	c := headercache.New(3, time.Hour)
	c.SetClock(clk.now)

	for id := 1; id <= 3; id++ {
		c.Put(id, "u", http.Header{})
		clk.t = clk.t.Add(time.Second)
	}
	// Reading does not refresh position.
	_, _ = c.Get(1)
	c.Put(4, "u", http.Header{})

	if _, ok := c.Get(1); ok {
		t.Error("oldest insertion must be evicted")
	}
	for _, id := range []int{2, 3, 4} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("expected tab %d to remain", id)
		}
	}
	if c.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Len())
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	c := headercache.New(0, 0)
	c.Put(7, "u", http.Header{})
	c.Delete(7)
	if _, ok := c.Get(7); ok {
		t.Fatal("expected entry to be deleted")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	c := headercache.New(0, 0)
	c.Put(1, "a", http.Header{})
	c.Put(2, "b", http.Header{})
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	c.Put(3, "c", http.Header{})
	if _, ok := c.Get(3); !ok {
		t.Error("cache must be usable after Clear")
	}
}
