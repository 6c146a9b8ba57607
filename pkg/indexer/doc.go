// Package indexer defines the destination indexer contract and its
// building blocks.
//
// An [Indexer] receives the chunks of one sync in batches and keeps a
// destination index in step with the source: PreSync clears overwrite
// streams, Index replaces the chunks of changed records and removes
// deleted ones, PostSync commits. Check validates a configuration against
// the live destination.
//
// # Components
//
//	┌──────────────┐
//	│ Instrumented │  Prometheus metrics (optional)
//	└──────┬───────┘
//	┌──────▼───────┐
//	│ MultiIndexer │  fan-out to several destinations (optional)
//	└──────┬───────┘
//	┌──────▼───────┐
//	│ StoreIndexer │  embeds missing vectors, one Apply per batch
//	└──────┬───────┘
//	┌──────▼───────┐
//	│  ChunkStore  │  sqlite, bleve, hnsw, elasticsearch, redis
//	└──────────────┘
//
// # Usage
//
//	st, _ := store.New(cfg)
//	idx, err := indexer.NewStoreIndexer(cfg, st, indexer.WithRetry(errors.DefaultRetryConfig()))
//	if err != nil {
//	    return err
//	}
//	defer idx.Close()
//
//	batches, _ := indexer.BatchSlice(chunks, cfg.BatchSize)
//	for batch := range batches {
//	    if err := idx.Index(ctx, batch, nil); err != nil {
//	        return err
//	    }
//	}
//
// Custom backends embed [Base] for the default PreSync and PostSync and
// implement Index and Check.
package indexer
