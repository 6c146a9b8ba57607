package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/document"
)

// Operation types accepted on index input.
const (
	opChunk  = "chunk"
	opDelete = "delete"
)

// maxLineBytes bounds one input line; embedded chunks can be large.
const maxLineBytes = 16 << 20

// operation is one line of index input.
type operation struct {
	Type     string          `json:"type"`
	Chunk    *document.Chunk `json:"chunk,omitempty"`
	RecordID string          `json:"record_id,omitempty"`
}

// opReader decodes JSON lines into operations lazily. Decoding stops at
// the first bad line; Err reports it after the sequence ends.
type opReader struct {
	r   io.Reader
	cat *catalog.Catalog
	err error
}

func newOpReader(r io.Reader, cat *catalog.Catalog) *opReader {
	return &opReader{r: r, cat: cat}
}

// All yields the operations in input order. Blank lines are skipped.
func (o *opReader) All() iter.Seq[operation] {
	return func(yield func(operation) bool) {
		scanner := bufio.NewScanner(o.r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		line := 0
		for scanner.Scan() {
			line++
			data := scanner.Bytes()
			if len(data) == 0 {
				continue
			}

			op, err := o.decode(data)
			if err != nil {
				o.err = vecerrors.ValidationError(fmt.Sprintf("input line %d", line), err)
				return
			}
			if !yield(op) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			o.err = vecerrors.IOError("failed to read input", err)
		}
	}
}

// Err returns the first decode or read failure.
func (o *opReader) Err() error {
	return o.err
}

func (o *opReader) decode(data []byte) (operation, error) {
	var op operation
	if err := json.Unmarshal(data, &op); err != nil {
		return operation{}, err
	}

	switch op.Type {
	case opChunk:
		if op.Chunk == nil {
			return operation{}, fmt.Errorf("chunk operation without a chunk")
		}
		if _, ok := o.cat.Lookup(op.Chunk.Stream); !ok {
			return operation{}, fmt.Errorf("stream %q is not in the catalog", op.Chunk.Stream)
		}
	case opDelete:
		if op.RecordID == "" {
			return operation{}, fmt.Errorf("delete operation without a record_id")
		}
	default:
		return operation{}, fmt.Errorf("unknown operation type %q", op.Type)
	}
	return op, nil
}

// segment is one Index call: chunks to write and record ids to delete.
type segment struct {
	chunks    []*document.Chunk
	deleteIDs []string
}

// split turns a group of operations into Index calls, keeping input order
// within each. Index applies deletes before writes, so a delete of a record
// already chunked in the pending segment closes that segment first.
func split(ops []operation) []segment {
	var segs []segment
	var cur segment
	chunked := make(map[string]struct{})
	for _, op := range ops {
		switch op.Type {
		case opChunk:
			cur.chunks = append(cur.chunks, op.Chunk)
			chunked[op.Chunk.RecordID] = struct{}{}
		case opDelete:
			if _, ok := chunked[op.RecordID]; ok {
				segs = append(segs, cur)
				cur = segment{}
				clear(chunked)
			}
			cur.deleteIDs = append(cur.deleteIDs, op.RecordID)
		}
	}
	if len(cur.chunks) > 0 || len(cur.deleteIDs) > 0 {
		segs = append(segs, cur)
	}
	return segs
}
