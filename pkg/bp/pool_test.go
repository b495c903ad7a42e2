package bp

import "testing"

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestLRUPoolEvictsLeastRecentlyUsed(t *testing.T) {
	p := NewLRUPool(2)
	a := &fakeCloser{}
	b := &fakeCloser{}
	c := &fakeCloser{}

	p.Put("a", a)
	p.Put("b", b)
	if _, ok := p.Get("a"); !ok {
		t.Fatal("expected a to still be pooled")
	}
	// a is now most-recently-used; b is the tail and should be evicted.
	p.Put("c", c)
	if !b.closed {
		t.Fatal("expected least-recently-used entry b to be closed on eviction")
	}
	if p.Len() != 2 {
		t.Fatalf("expected pool to stay at capacity 2, got %d", p.Len())
	}
	if _, ok := p.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
}
