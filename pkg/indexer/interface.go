package indexer

import (
	"context"

	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/document"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// Indexer writes the chunks of one sync into a destination index.
//
// A sync drives an Indexer through
//
//	[Check] -> PreSync -> Index* -> PostSync
//
// from a single logical caller. Check may also run on its own.
type Indexer interface {
	// PreSync runs once before any Index call of a sync.
	//
	// Backends delete every chunk of the streams whose destination sync
	// mode is overwrite, so those streams are rebuilt from scratch.
	PreSync(ctx context.Context, cat *catalog.Catalog) error

	// Index removes all chunks previously written for the records in
	// deleteIDs and writes chunks.
	//
	// Behavior:
	//   - Deletes are applied before inserts, in one batch where the
	//     backend allows it: a record in both nets to "replaced"
	//   - Re-indexing a chunk ID overwrites it
	//   - Index(ctx, nil, nil) is a no-op
	//
	// Any failure that leaves the outcome uncertain is returned.
	Index(ctx context.Context, chunks []*document.Chunk, deleteIDs []string) error

	// PostSync runs once after the last Index call. Backends flush or
	// commit here and may report what they did as messages.
	PostSync(ctx context.Context) ([]message.Message, error)

	// Check validates the configuration against the live backend without
	// changing destination state. A nil error means the destination is
	// usable; otherwise Error() describes what is wrong.
	Check(ctx context.Context) error
}
