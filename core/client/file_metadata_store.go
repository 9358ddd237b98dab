package client

import (
	"context"
	"encoding/json"
	"errors"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/pyropy/stripefs/core/model"
)

// FileMetadataStore persists per-path logical lengths and checksums
// in a LevelDB datastore under the client root. The node-side files
// are padded to whole strides, so this is the only place the true
// length of a written file survives.
type FileMetadataStore struct {
	Files *dslvl.Datastore
}

func NewFileMetadataStore(dsPath string) (*FileMetadataStore, error) {
	store, err := dslvl.NewDatastore(dsPath, nil)
	if err != nil {
		return nil, err
	}

	return &FileMetadataStore{
		Files: store,
	}, nil
}

// Get returns the metadata for filePath, or nil when none was ever
// recorded.
func (f *FileMetadataStore) Get(ctx context.Context, filePath model.FilePath) (*model.FileMetadata, error) {
	k := ds.NewKey(filePath)
	b, err := f.Files.Get(ctx, k)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var file model.FileMetadata
	err = json.Unmarshal(b, &file)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

func (f *FileMetadataStore) Put(ctx context.Context, filePath model.FilePath, metadata model.FileMetadata) error {
	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	k := ds.NewKey(filePath)
	return f.Files.Put(ctx, k, b)
}

func (f *FileMetadataStore) Delete(ctx context.Context, filePath model.FilePath) error {
	return f.Files.Delete(ctx, ds.NewKey(filePath))
}

func (f *FileMetadataStore) All(ctx context.Context) ([]*model.FileMetadata, error) {
	q := dsq.Query{}
	files := make([]*model.FileMetadata, 0)

	res, err := f.Files.Query(ctx, q)
	if err != nil {
		return files, err
	}

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		var file model.FileMetadata
		err = json.Unmarshal(r.Value, &file)
		if err != nil {
			return files, err
		}
		files = append(files, &file)
	}

	return files, nil
}

func (f *FileMetadataStore) Close() error {
	return f.Files.Close()
}
