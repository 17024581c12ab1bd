package storybridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ProgressPath is the endpoint that upserts progress records.
const ProgressPath = "/api/progress"

// ErrUnknownMutation is returned when a queue item carries a type this
// version cannot replay.
var ErrUnknownMutation = errors.New("storybridge: unknown mutation type")

// ============================================================================
// Mutations
// ============================================================================

// MutationKind tags the payload of a queued mutation.
type MutationKind string

const (
	MutationProgress MutationKind = "progress"
)

// Mutation is a deferred write. The set of implementations is closed; the
// replay switch in Syncer handles each one.
type Mutation interface {
	Kind() MutationKind
	// Call returns the HTTP call that applies the mutation.
	Call() (method, path string, body any)
	sealed()
}

// ProgressMutation records a story completion on the server.
type ProgressMutation struct {
	Record ProgressRecord
}

func (ProgressMutation) Kind() MutationKind { return MutationProgress }

func (m ProgressMutation) Call() (string, string, any) {
	return http.MethodPost, ProgressPath, m.Record
}

func (ProgressMutation) sealed() {}

// ============================================================================
// Queue items
// ============================================================================

// SyncQueueItem is one durable deferred mutation. Seq is a per-store
// monotonic counter and is the primary replay order; CreatedAt breaks ties
// for items written by older clients.
type SyncQueueItem struct {
	Key       string          `json:"-"`
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Type      MutationKind    `json:"type"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Token     string          `json:"token,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Mutation decodes the item's payload into its tagged variant.
func (it *SyncQueueItem) Mutation() (Mutation, error) {
	switch it.Type {
	case MutationProgress:
		var rec ProgressRecord
		if err := json.Unmarshal(it.Data, &rec); err != nil {
			return nil, fmt.Errorf("decode progress mutation %s: %w", it.ID, err)
		}
		return ProgressMutation{Record: rec}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutation, it.Type)
	}
}

var seqKey = entityKey(KindMeta, "syncQueueSeq")

// nextSeq hands out the next queue sequence number. The counter lives in the
// backend and is shared by every store opened on it. Backends implementing
// Sequencer advance it atomically; others are re-read on every call.
func (s *Store) nextSeq(ctx context.Context) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	// Items written before the counter existed set its floor.
	if !s.seqLoaded {
		items, err := s.DrainQueue(ctx)
		if err != nil {
			return 0, err
		}
		for _, it := range items {
			s.seqFloor = max(s.seqFloor, it.Seq)
		}
		s.seqLoaded = true
	}

	if seq, ok := s.kv.(Sequencer); ok {
		next, err := seq.NextSeq(ctx, seqKey, s.seqFloor)
		if err != nil {
			return 0, storageErr("next seq", seqKey, err)
		}
		return next, nil
	}

	var stored uint64
	if _, err := s.getRaw(ctx, seqKey, &stored); err != nil {
		return 0, err
	}
	next := max(stored, s.seqFloor) + 1
	if err := s.putRaw(ctx, seqKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Enqueue appends m to the sync queue. token is the credential in effect
// when the write was attempted; replay prefers the current session's token.
func (s *Store) Enqueue(ctx context.Context, m Mutation, token string) (*SyncQueueItem, error) {
	method, path, body := m.Call()
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s mutation: %w", m.Kind(), err)
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, err
	}
	created := s.now()
	item := SyncQueueItem{
		Key:       fmt.Sprintf("%s:%020d-%06d", KindSyncQueue, created.UnixNano(), seq),
		ID:        s.ids.New(),
		Seq:       seq,
		Type:      m.Kind(),
		Method:    method,
		Path:      path,
		Token:     token,
		Data:      data,
		CreatedAt: created,
	}
	if err := s.putRaw(ctx, item.Key, item); err != nil {
		return nil, err
	}
	s.logger.Debug("mutation_enqueued", "type", item.Type, "seq", item.Seq, "key", item.Key)
	return &item, nil
}

// DrainQueue returns every queued item in replay order (ascending Seq, then
// CreatedAt). It does not remove anything.
func (s *Store) DrainQueue(ctx context.Context) ([]SyncQueueItem, error) {
	prefix := entityPrefix(KindSyncQueue)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, storageErr("keys", prefix, err)
	}
	items := make([]SyncQueueItem, 0, len(keys))
	for _, k := range keys {
		var it SyncQueueItem
		ok, err := s.getRaw(ctx, k, &it)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		it.Key = k
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return items, nil
}

// RemoveQueueItem deletes a queue item after its replay succeeded.
func (s *Store) RemoveQueueItem(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, entityPrefix(KindSyncQueue)) {
		return fmt.Errorf("remove queue item: %q is not a queue key", key)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

// MarkAttempt records a failed replay on the stored item.
func (s *Store) MarkAttempt(ctx context.Context, item SyncQueueItem, cause error) error {
	defer s.lock(item.Key)()

	var stored SyncQueueItem
	ok, err := s.getRaw(ctx, item.Key, &stored)
	if err != nil || !ok {
		return err
	}
	stored.Attempts++
	if cause != nil {
		stored.LastError = cause.Error()
	}
	return s.putRaw(ctx, item.Key, stored)
}

// ClearQueue drops every queued mutation and returns how many were removed.
func (s *Store) ClearQueue(ctx context.Context) (int, error) {
	return s.deletePrefix(ctx, entityPrefix(KindSyncQueue))
}

func (s *Store) QueueLen(ctx context.Context) (int, error) {
	prefix := entityPrefix(KindSyncQueue)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return 0, storageErr("keys", prefix, err)
	}
	return len(keys), nil
}
