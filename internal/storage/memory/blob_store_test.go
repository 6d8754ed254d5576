package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "B0001.png", "image/png", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://B0001.png" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, contentType, ok := store.Object("B0001.png")
	if !ok || string(stored) != "content" || contentType != "image/png" {
		t.Fatalf("expected stored copy to be immutable, got %q %q %v", stored, contentType, ok)
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.jpg", "a.png"} {
		if _, err := store.PutObject(context.Background(), p, "", []byte("x")); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	if got := store.Paths(); len(got) != 2 || got[0] != "a.png" || got[1] != "b.jpg" {
		t.Fatalf("unexpected paths %v", got)
	}
	if _, err := store.PutObject(context.Background(), " ", "", nil); err == nil {
		t.Fatal("expected error for blank path")
	}
	if _, _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
