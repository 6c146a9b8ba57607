package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/document"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisStore keeps each chunk in a hash and tracks membership in sets:
//
//	<prefix>:chunk:<chunk id>   hash of chunk fields
//	<prefix>:record:<record id> set of chunk ids
//	<prefix>:stream:<stream>    set of chunk ids
//	<prefix>:chunks             set of all chunk ids
//
// Writes run in MULTI/EXEC. The store assumes one writer per key prefix.
type RedisStore struct {
	client    *redis.Client
	opts      RedisOptions
	closeOnce sync.Once
	closeErr  error
}

var _ ChunkStore = (*RedisStore)(nil)

// NewRedisStore creates the client. It does not contact the server.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Address == "" {
		return nil, vecerrors.ConfigError("redis address is required", nil)
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "vecdest"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &RedisStore{client: client, opts: opts}, nil
}

func (s *RedisStore) chunkKey(id string) string { return s.opts.KeyPrefix + ":chunk:" + id }
func (s *RedisStore) recordKey(id string) string { return s.opts.KeyPrefix + ":record:" + id }
func (s *RedisStore) streamKey(name string) string { return s.opts.KeyPrefix + ":stream:" + name }
func (s *RedisStore) allKey() string { return s.opts.KeyPrefix + ":chunks" }

// chunkRef is where an existing chunk is registered.
type chunkRef struct {
	id, recordID, stream string
}

// Apply removes every chunk of deleteRecordIDs and writes chunks in one
// MULTI/EXEC transaction.
func (s *RedisStore) Apply(ctx context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error {
	deleteRecordIDs = dedupe(deleteRecordIDs)
	if len(deleteRecordIDs) == 0 && len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return vecerrors.ValidationError("invalid chunk batch", err)
	}

	stale, err := s.recordMembers(ctx, deleteRecordIDs)
	if err != nil {
		return err
	}
	upsertIDs := make([]string, len(chunks))
	for i, c := range chunks {
		upsertIDs[i] = c.ID
	}
	existing, err := s.refs(ctx, upsertIDs)
	if err != nil {
		return err
	}
	staleRefs, err := s.refs(ctx, stale)
	if err != nil {
		return err
	}

	encoded := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		encoded[i] = map[string]any{
			"id":        c.ID,
			"record_id": c.RecordID,
			"stream":    c.Stream,
			"content":   c.Content,
			"metadata":  meta,
			"embedding": encodeEmbedding(c.Embedding),
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ref := range staleRefs {
			s.unregister(ctx, pipe, ref)
		}
		for _, rid := range deleteRecordIDs {
			pipe.Del(ctx, s.recordKey(rid))
		}
		// An upserted chunk that moved record or stream leaves its old sets.
		for _, ref := range existing {
			s.unregister(ctx, pipe, ref)
		}
		for i, c := range chunks {
			pipe.HSet(ctx, s.chunkKey(c.ID), encoded[i])
			pipe.SAdd(ctx, s.recordKey(c.RecordID), c.ID)
			pipe.SAdd(ctx, s.streamKey(c.Stream), c.ID)
			pipe.SAdd(ctx, s.allKey(), c.ID)
		}
		return nil
	})
	if err != nil {
		return redisError("apply transaction failed", err)
	}
	return nil
}

func (s *RedisStore) unregister(ctx context.Context, pipe redis.Pipeliner, ref chunkRef) {
	pipe.Del(ctx, s.chunkKey(ref.id))
	pipe.SRem(ctx, s.recordKey(ref.recordID), ref.id)
	pipe.SRem(ctx, s.streamKey(ref.stream), ref.id)
	pipe.SRem(ctx, s.allKey(), ref.id)
}

// recordMembers returns the chunk ids registered under recordIDs.
func (s *RedisStore) recordMembers(ctx context.Context, recordIDs []string) ([]string, error) {
	return s.members(ctx, recordIDs, s.recordKey)
}

func (s *RedisStore) members(ctx context.Context, names []string, key func(string) string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.SMembers(ctx, key(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisError("failed to read set members", err)
	}

	var ids []string
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val()...)
	}
	return ids, nil
}

// refs looks up the record and stream of existing chunks. Unknown ids are
// skipped.
func (s *RedisStore) refs(ctx context.Context, ids []string) ([]chunkRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.chunkKey(id), "record_id", "stream")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisError("failed to read chunk refs", err)
	}

	refs := make([]chunkRef, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 {
			continue
		}
		rid, ok1 := vals[0].(string)
		stream, ok2 := vals[1].(string)
		if !ok1 || !ok2 {
			continue
		}
		refs = append(refs, chunkRef{id: ids[i], recordID: rid, stream: stream})
	}
	return refs, nil
}

// DeleteStreams removes every chunk of the given streams.
func (s *RedisStore) DeleteStreams(ctx context.Context, streams []string) error {
	streams = dedupe(streams)
	if len(streams) == 0 {
		return nil
	}

	ids, err := s.members(ctx, streams, s.streamKey)
	if err != nil {
		return err
	}
	refs, err := s.refs(ctx, ids)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ref := range refs {
			s.unregister(ctx, pipe, ref)
		}
		for _, stream := range streams {
			pipe.Del(ctx, s.streamKey(stream))
		}
		return nil
	})
	if err != nil {
		return redisError("delete streams transaction failed", err)
	}
	return nil
}

// RecordChunks returns the chunks of recordID ordered by id.
func (s *RedisStore) RecordChunks(ctx context.Context, recordID string) ([]*document.Chunk, error) {
	ids, err := s.recordMembers(ctx, []string{recordID})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.chunkKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisError("failed to read chunks", err)
	}

	chunks := make([]*document.Chunk, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c, err := decodeRedisChunk(fields)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	sortChunks(chunks)
	return chunks, nil
}

func decodeRedisChunk(fields map[string]string) (*document.Chunk, error) {
	c := &document.Chunk{
		ID:       fields["id"],
		RecordID: fields["record_id"],
		Stream:   fields["stream"],
		Content:  fields["content"],
	}
	var err error
	if c.Metadata, err = decodeMetadata(fields["metadata"]); err != nil {
		return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	if c.Embedding, err = decodeEmbedding([]byte(fields["embedding"])); err != nil {
		return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	return c, nil
}

// Count returns the number of stored chunks.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.allKey()).Result()
	if err != nil {
		return 0, redisError("failed to count chunks", err)
	}
	return int(n), nil
}

// Ping checks the server answers and accepts the credentials.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return vecerrors.UnreachableError(fmt.Sprintf("redis at %s is not reachable", s.opts.Address), err)
	}
	return nil
}

// Flush is a no-op: every transaction is acknowledged by the server.
// Durability follows the server's persistence settings.
func (s *RedisStore) Flush(_ context.Context) error {
	return nil
}

// Close closes the client. Later calls return the first result.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.client.Close() })
	return s.closeErr
}

// redisError marks connection-level failures as retryable.
func redisError(op string, err error) error {
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// Server replied with an error: retrying won't help.
		return fmt.Errorf("%s: %w", op, err)
	}
	return vecerrors.NetworkError(op, err)
}
