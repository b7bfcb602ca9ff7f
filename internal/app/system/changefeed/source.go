// internal/app/system/changefeed/source.go
package changefeed

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Stream is the subset of *mongo.ChangeStream the watcher uses.
type Stream interface {
	TryNext(ctx context.Context) bool
	Decode(val interface{}) error
	ResumeToken() bson.Raw
	RemainingBatchLength() int
	Err() error
	// ID is 0 once the server has closed the cursor.
	ID() int64
	Close(ctx context.Context) error
}

// Source opens change streams.
type Source interface {
	Open(ctx context.Context, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (Stream, error)
}

// CollectionSource watches a single collection.
type CollectionSource struct {
	Coll *mongo.Collection
}

// Open starts a change stream on the collection.
func (s CollectionSource) Open(ctx context.Context, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (Stream, error) {
	cs, err := s.Coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// CursorStore persists resume tokens across process restarts.
// Load returns nil, nil when nothing was saved.
type CursorStore interface {
	Load(ctx context.Context, name string) (bson.Raw, error)
	Save(ctx context.Context, name string, token bson.Raw) error
}
