package storybridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Entity kinds
// ============================================================================

// Kind is the key namespace of one entity type. All kinds share a single
// physical KV; the kind prefix keeps them apart.
type Kind string

const (
	KindStory       Kind = "stories"
	KindProgress    Kind = "progress"
	KindUserData    Kind = "userData"
	KindSyncQueue   Kind = "syncQueue"
	KindBadges      Kind = "badges"
	KindAudio       Kind = "audioFiles"
	KindPreferences Kind = "preferences"
	KindCoins       Kind = "coins"
	KindVocab       Kind = "vocab"
	KindMeta        Kind = "meta"
)

func entityKey(kind Kind, parts ...string) string {
	if len(parts) == 0 {
		return string(kind)
	}
	return string(kind) + ":" + strings.Join(parts, ":")
}

func entityPrefix(kind Kind, parts ...string) string {
	return entityKey(kind, parts...) + ":"
}

// ============================================================================
// Clock / IDs
// ============================================================================

// Clock abstracts time retrieval so ordering and expiry are testable.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces unique record identifiers.
type IDGenerator interface {
	New() string
}

type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

// ============================================================================
// Store
// ============================================================================

const lockStripes = 64

// Store is the typed facade over a KV holding every offline entity and the
// sync queue. Lookups of absent entities resolve to zero values, not errors;
// only backend failures (ErrStorageUnavailable) are returned.
type Store struct {
	kv     KV
	clock  Clock
	ids    IDGenerator
	logger *slog.Logger

	// Aggregate read-modify-write cycles are serialised per key within
	// this process. Separate processes sharing one backend still race.
	locks [lockStripes]sync.Mutex

	seqMu     sync.Mutex
	seqFloor  uint64
	seqLoaded bool
}

type StoreOption func(*Store)

func WithClock(c Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

func WithIDGenerator(g IDGenerator) StoreOption {
	return func(s *Store) { s.ids = g }
}

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore wraps kv.
func NewStore(kv KV, opts ...StoreOption) *Store {
	s := &Store{
		kv:     kv,
		clock:  RealClock{},
		ids:    UUIDGenerator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KV exposes the underlying backend.
func (s *Store) KV() KV { return s.kv }

func (s *Store) Close() error { return s.kv.Close() }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func (s *Store) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func storageErr(op, key string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrStorageUnavailable, op, key, err)
}

// ── Generic accessors ────────────────────────────────────

// Put stores v as JSON under <kind>:<key>.
func (s *Store) Put(ctx context.Context, kind Kind, key string, v any) error {
	return s.putRaw(ctx, entityKey(kind, key), v)
}

// Get loads <kind>:<key> into v. It reports false for absent or unreadable
// entries.
func (s *Store) Get(ctx context.Context, kind Kind, key string, v any) (bool, error) {
	return s.getRaw(ctx, entityKey(kind, key), v)
}

func (s *Store) Delete(ctx context.Context, kind Kind, key string) error {
	k := entityKey(kind, key)
	if err := s.kv.Delete(ctx, k); err != nil {
		return storageErr("delete", k, err)
	}
	return nil
}

func (s *Store) putRaw(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return storageErr("set", key, err)
	}
	return nil
}

func (s *Store) getRaw(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("malformed_entry", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// ListByPrefix returns every readable value under <kind>:[<subkey>:...].
// Order follows the backend's key order and is not part of the contract.
func ListByPrefix[T any](ctx context.Context, s *Store, kind Kind, subkey ...string) ([]T, error) {
	prefix := entityPrefix(kind, subkey...)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, storageErr("keys", prefix, err)
	}
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		ok, err := s.getRaw(ctx, k, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return 0, storageErr("keys", prefix, err)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return 0, storageErr("delete", k, err)
		}
	}
	return len(keys), nil
}

// ── Stories ──────────────────────────────────────────────

// CacheStory stores a story for offline use, stamping cached_at.
func (s *Store) CacheStory(ctx context.Context, story StoryPack) (*StoryPack, error) {
	if story.ID == "" {
		return nil, fmt.Errorf("cache story: empty id")
	}
	story.CachedAt = s.now()
	story.OfflineAvailable = true
	if err := s.Put(ctx, KindStory, story.ID, story); err != nil {
		return nil, err
	}
	return &story, nil
}

func (s *Store) GetCachedStory(ctx context.Context, storyID string) (*StoryPack, error) {
	var story StoryPack
	ok, err := s.Get(ctx, KindStory, storyID, &story)
	if err != nil || !ok {
		return nil, err
	}
	return &story, nil
}

func (s *Store) GetCachedStories(ctx context.Context) ([]StoryPack, error) {
	return ListByPrefix[StoryPack](ctx, s, KindStory)
}

func (s *Store) RemoveStory(ctx context.Context, storyID string) error {
	return s.Delete(ctx, KindStory, storyID)
}

// ── Progress ─────────────────────────────────────────────

// SaveProgress writes rec as an unsynced record for (rec.UserID, rec.StoryID),
// keeping the ID of any earlier record for the same pair.
func (s *Store) SaveProgress(ctx context.Context, rec ProgressRecord) (*ProgressRecord, error) {
	if rec.UserID == "" || rec.StoryID == "" {
		return nil, fmt.Errorf("save progress: user and story ids are required")
	}
	key := entityKey(KindProgress, rec.UserID, rec.StoryID)
	defer s.lock(key)()

	if rec.ID == "" {
		var existing ProgressRecord
		ok, err := s.getRaw(ctx, key, &existing)
		if err != nil {
			return nil, err
		}
		if ok && existing.ID != "" {
			rec.ID = existing.ID
		} else {
			rec.ID = s.ids.New()
		}
	}
	rec.UpdatedAt = s.now()
	rec.Synced = false
	if err := s.putRaw(ctx, key, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetProgress(ctx context.Context, userID, storyID string) (*ProgressRecord, error) {
	var rec ProgressRecord
	ok, err := s.getRaw(ctx, entityKey(KindProgress, userID, storyID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ListProgress returns all progress records of a user.
func (s *Store) ListProgress(ctx context.Context, userID string) ([]ProgressRecord, error) {
	return ListByPrefix[ProgressRecord](ctx, s, KindProgress, userID)
}

// UpdateProgressSync flips the synced flag of an existing record. A missing
// record is ignored.
func (s *Store) UpdateProgressSync(ctx context.Context, userID, storyID string, synced bool) error {
	key := entityKey(KindProgress, userID, storyID)
	defer s.lock(key)()

	var rec ProgressRecord
	ok, err := s.getRaw(ctx, key, &rec)
	if err != nil || !ok {
		return err
	}
	rec.Synced = synced
	return s.putRaw(ctx, key, rec)
}

// MarkProgressSynced sets the synced flag only if the stored record is the
// version rec was taken from, matched by UpdatedAt. It reports whether the
// flag was set. A record rewritten since rec was read stays unsynced.
func (s *Store) MarkProgressSynced(ctx context.Context, rec ProgressRecord) (bool, error) {
	key := entityKey(KindProgress, rec.UserID, rec.StoryID)
	defer s.lock(key)()

	var stored ProgressRecord
	ok, err := s.getRaw(ctx, key, &stored)
	if err != nil || !ok {
		return false, err
	}
	if !stored.UpdatedAt.Equal(rec.UpdatedAt) {
		return false, nil
	}
	if stored.Synced {
		return true, nil
	}
	stored.Synced = true
	if err := s.putRaw(ctx, key, stored); err != nil {
		return false, err
	}
	return true, nil
}

// ── Audio ────────────────────────────────────────────────

func (s *Store) CacheAudioFile(ctx context.Context, audioID, contentType string, data []byte) error {
	return s.Put(ctx, KindAudio, audioID, CachedAudio{
		ID:          audioID,
		ContentType: contentType,
		Data:        data,
		CachedAt:    s.now(),
	})
}

func (s *Store) GetCachedAudioFile(ctx context.Context, audioID string) (*CachedAudio, error) {
	var a CachedAudio
	ok, err := s.Get(ctx, KindAudio, audioID, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func (s *Store) RemoveCachedAudioFile(ctx context.Context, audioID string) error {
	return s.Delete(ctx, KindAudio, audioID)
}

// ── Storage management ───────────────────────────────────

// StorageUsage sums the serialized size of every stored value.
func (s *Store) StorageUsage(ctx context.Context) (StorageUsage, error) {
	var usage StorageUsage
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return usage, storageErr("keys", "", err)
	}
	for _, k := range keys {
		v, err := s.kv.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return usage, storageErr("get", k, err)
		}
		usage.ItemCount++
		usage.TotalSizeBytes += uint64(len(v))
	}
	usage.TotalSizeMB = fmt.Sprintf("%.2f", float64(usage.TotalSizeBytes)/(1024*1024))
	return usage, nil
}

// PurgeOlderThan deletes every value whose cached_at is older than days.
// Values without cached_at (progress, queue items, sessions) are never touched.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return 0, storageErr("keys", "", err)
	}
	purged := 0
	for _, k := range keys {
		v, err := s.kv.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return purged, storageErr("get", k, err)
		}
		var stamp struct {
			CachedAt *time.Time `json:"cached_at"`
		}
		if json.Unmarshal(v, &stamp) != nil || stamp.CachedAt == nil || stamp.CachedAt.IsZero() {
			continue
		}
		if stamp.CachedAt.Before(cutoff) {
			if err := s.kv.Delete(ctx, k); err != nil {
				return purged, storageErr("delete", k, err)
			}
			purged++
		}
	}
	if purged > 0 {
		s.logger.Info("purged_expired_entries", "count", purged, "days", days)
	}
	return purged, nil
}

// ClearAll removes every key.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.deletePrefix(ctx, "")
	return err
}
