package offline

import (
	"context"

	"github.com/pkg/errors"
)

// collections & their secondary indexes
const (
	CacheCollection    = "cache"
	PendingCollection  = "pending_operations"
	MetadataCollection = "sync_metadata"

	EntityIndex = "entity"
	StatusIndex = "status"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrStoreClosed       = errors.New("store closed")
)

// Collections lists the secondary indexes of every collection of the local store.
var Collections = map[string][]string{
	CacheCollection:    {EntityIndex},
	PendingCollection:  {StatusIndex},
	MetadataCollection: nil,
}

type (
	// Document is one record of a collection, already serialized.
	// Indexes holds the values of the collection's secondary indexes; unknown names are ignored.
	Document struct {
		Key     string
		Indexes map[string]string
		Body    []byte
	}

	// Store is the durable key-value store backing the offline client.
	// Implementations initialize lazily on first use; an initialization failure is returned by every later call.
	Store interface {
		// Put upserts doc by key. The document is durable once Put returns.
		Put(ctx context.Context, collection string, doc Document) error
		// Get returns found=false, and no error, when the key does not exist.
		Get(ctx context.Context, collection, key string) (body []byte, found bool, err error)
		// QueryByIndex returns the documents whose index matches value, in insertion order.
		QueryByIndex(ctx context.Context, collection, index, value string) ([][]byte, error)
		Delete(ctx context.Context, collection, key string) error
		Clear(ctx context.Context, collection string) error
		Close() error
	}
)

// CheckCollection returns an error when collection (and index, if given) is not part of the schema.
func CheckCollection(collection string, index ...string) error {
	idxs, ok := Collections[collection]
	if !ok {
		return errors.Wrap(ErrUnknownCollection, collection)
	}
	for _, name := range index {
		var found bool
		for _, idx := range idxs {
			if idx == name {
				found = true
				break
			}
		}
		if !found {
			return errors.Wrapf(ErrUnknownIndex, "%s.%s", collection, name)
		}
	}
	return nil
}
