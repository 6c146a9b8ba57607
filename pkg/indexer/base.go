package indexer

import (
	"context"

	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// Base carries an indexer's configuration and the default lifecycle hooks.
// Backends embed it and implement Index and Check themselves:
//
//	type myIndexer struct {
//	    indexer.Base[*MyConfig]
//	}
//
// The zero value is usable.
type Base[C any] struct {
	config C
}

// NewBase stores cfg. It performs no I/O.
func NewBase[C any](cfg C) Base[C] {
	return Base[C]{config: cfg}
}

// Config returns the configuration given to NewBase.
func (b Base[C]) Config() C {
	return b.config
}

// PreSync does nothing.
func (Base[C]) PreSync(_ context.Context, _ *catalog.Catalog) error {
	return nil
}

// PostSync reports nothing. The returned slice is empty, not nil.
func (Base[C]) PostSync(_ context.Context) ([]message.Message, error) {
	return []message.Message{}, nil
}
