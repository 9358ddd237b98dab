package client

import (
	"context"
	"testing"

	"github.com/pyropy/stripefs/core/model"
)

func TestFileMetadataStoreRoundTrip(t *testing.T) {
	store, err := NewFileMetadataStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	md, err := store.Get(ctx, "/nothing")
	if err != nil {
		t.Fatal(err)
	}
	if md != nil {
		t.Fatal("expected nil metadata for an unknown path")
	}

	want := model.NewFileMetadata("/a.bin", 4096, 1, 0xdeadbeef)
	if err := store.Put(ctx, "/a.bin", want); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Length != want.Length || got.Strides != want.Strides || got.Checksum != want.Checksum {
		t.Errorf("got %+v, want %+v", got, want)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("All returned %d entries, want 1", len(all))
	}

	if err := store.Delete(ctx, "/a.bin"); err != nil {
		t.Fatal(err)
	}
	md, err = store.Get(ctx, "/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if md != nil {
		t.Error("expected metadata gone after delete")
	}
}
