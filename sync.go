package storybridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Events
// ============================================================================

const (
	EventOnline         = "network.online"
	EventOffline        = "network.offline"
	EventSyncStart      = "sync.start"
	EventSyncItemSent   = "sync.item.sent"
	EventSyncItemFailed = "sync.item.failed"
	EventSyncComplete   = "sync.complete"
	EventProgressQueued = "progress.queued"
)

// SyncEventHandler handles sync events.
type SyncEventHandler func(event string, payload any)

type syncEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SyncEventHandler
}

func (e *syncEmitter) On(event string, handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a panicking listener must not stop replay
			h(event, payload)
		}()
	}
}

func (e *syncEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SyncEventHandler)
}

// ============================================================================
// Syncer
// ============================================================================

// BadgeWordWizard is awarded on the fifth completed story.
const BadgeWordWizard = "Word Wizard"

// SyncOptions configures the Syncer.
type SyncOptions struct {
	// FlushInterval is the period of the background replay. Zero means 30s,
	// negative disables the loop.
	FlushInterval time.Duration
	// ReplayRate limits replayed requests per second. Zero means unlimited.
	ReplayRate  rate.Limit
	ReplayBurst int
	// StartOffline sets the initial connectivity belief.
	StartOffline bool
	Logger       *slog.Logger
	Metrics      *Metrics
}

// ReplayResult summarises one pass over the sync queue.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Syncer owns the Online/Offline state and replays the sync queue when
// connectivity returns. Replay is at-least-once: an item is removed only
// after its call succeeded and its local effect was applied.
type Syncer struct {
	syncEmitter
	store   *Store
	client  Requester
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter

	flushInterval time.Duration

	mu        sync.Mutex
	isOnline  bool
	replaying bool
	stopCh    chan struct{}
	stopped   bool
}

// NewSyncer creates a syncer. opts may be nil.
func NewSyncer(store *Store, client Requester, opts *SyncOptions) *Syncer {
	s := &Syncer{
		syncEmitter: syncEmitter{listeners: make(map[string][]SyncEventHandler)},
		store:       store,
		client:      client,
		logger:      slog.Default(),
		isOnline:    true,
		stopCh:      make(chan struct{}),
	}
	limit, burst := rate.Inf, 1
	if opts != nil {
		s.flushInterval = opts.FlushInterval
		s.isOnline = !opts.StartOffline
		s.metrics = opts.Metrics
		if opts.Logger != nil {
			s.logger = opts.Logger
		}
		if opts.ReplayRate > 0 {
			limit = opts.ReplayRate
		}
		if opts.ReplayBurst > 0 {
			burst = opts.ReplayBurst
		}
	}
	if s.flushInterval == 0 {
		s.flushInterval = 30 * time.Second
	}
	s.limiter = rate.NewLimiter(limit, burst)
	return s
}

// Init starts the background replay loop.
func (s *Syncer) Init() {
	if s.flushInterval > 0 {
		go s.flushLoop()
	}
}

// Destroy stops background tasks and drops listeners.
func (s *Syncer) Destroy() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.removeAll()
}

func (s *Syncer) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOnline
}

// SetOnline updates the connectivity belief. The Offline→Online transition
// starts a replay in the background.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	if s.isOnline == online {
		s.mu.Unlock()
		return
	}
	s.isOnline = online
	s.mu.Unlock()

	if online {
		s.logger.Info("network_restored")
		s.emit(EventOnline, nil)
		go func() {
			if _, err := s.Replay(context.Background()); err != nil {
				s.logger.Error("replay_after_reconnect_failed", "error", err)
			}
		}()
	} else {
		s.logger.Info("network_lost")
		s.emit(EventOffline, nil)
	}
}

func (s *Syncer) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Replay(context.Background()); err != nil {
				s.logger.Error("periodic_replay_failed", "error", err)
			}
		}
	}
}

// ── Connectivity ─────────────────────────────────────────

// Probe reports whether the server is reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe treats any response below 500 to GET path as reachable.
func HTTPProbe(client Requester, path string) Probe {
	return func(ctx context.Context) bool {
		resp, err := client.Request(ctx, http.MethodGet, path, nil, nil)
		return err == nil && resp.Status < 500
	}
}

// WatchConnectivity polls probe every interval and feeds SetOnline until ctx
// is done. The first probe runs immediately.
func (s *Syncer) WatchConnectivity(ctx context.Context, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.SetOnline(probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// ── Replay ───────────────────────────────────────────────

// Replay sends every queued mutation in queue order. A failed item stays
// queued and does not block later items. Items enqueued while a replay is
// running are left for the next one. Concurrent calls return immediately
// with an empty result.
func (s *Syncer) Replay(ctx context.Context) (*ReplayResult, error) {
	s.mu.Lock()
	if s.replaying || !s.isOnline {
		s.mu.Unlock()
		return &ReplayResult{}, nil
	}
	s.replaying = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.replaying = false
		s.mu.Unlock()
	}()

	items, err := s.store.DrainQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	result := &ReplayResult{}
	if len(items) == 0 {
		return result, nil
	}

	s.emit(EventSyncStart, map[string]any{"pending": len(items)})
	token := s.sessionToken(ctx)

	for _, item := range items {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		result.Attempted++
		if err := s.replayItem(ctx, item, token); err != nil {
			result.Failed++
			s.metrics.replay("failed")
			s.logger.Warn("replay_failed", "key", item.Key, "type", item.Type, "seq", item.Seq, "error", err)
			if markErr := s.store.MarkAttempt(ctx, item, err); markErr != nil {
				s.logger.Error("mark_attempt_failed", "key", item.Key, "error", markErr)
			}
			s.emit(EventSyncItemFailed, map[string]any{"key": item.Key, "error": err.Error()})
			continue
		}
		result.Sent++
		s.metrics.replay("sent")
		s.emit(EventSyncItemSent, map[string]any{"key": item.Key, "type": item.Type})
	}

	if n, err := s.store.QueueLen(ctx); err == nil {
		result.Remaining = n
		s.metrics.setQueueDepth(n)
	}
	s.logger.Info("replay_complete", "sent", result.Sent, "failed", result.Failed, "remaining", result.Remaining)
	s.emit(EventSyncComplete, result)
	return result, nil
}

func (s *Syncer) replayItem(ctx context.Context, item SyncQueueItem, sessionToken string) error {
	m, err := item.Mutation()
	if err != nil {
		return err
	}
	token := sessionToken
	if token == "" {
		token = item.Token
	}

	resp, err := s.client.Request(ctx, item.Method, item.Path, item.Data, bearer(token))
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}

	switch mut := m.(type) {
	case ProgressMutation:
		marked, err := s.store.MarkProgressSynced(ctx, mut.Record)
		if err != nil {
			return fmt.Errorf("mark progress synced: %w", err)
		}
		if !marked {
			s.logger.Debug("progress_superseded", "story_id", mut.Record.StoryID, "key", item.Key)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, m.Kind())
	}

	if err := s.store.RemoveQueueItem(ctx, item.Key); err != nil {
		return fmt.Errorf("remove replayed item: %w", err)
	}
	return nil
}

func (s *Syncer) sessionToken(ctx context.Context) string {
	session, err := s.store.GetUserData(ctx)
	if err != nil {
		s.logger.Warn("session_read_failed", "error", err)
		return ""
	}
	if session == nil {
		return ""
	}
	return session.Token
}

// ── Action writer ────────────────────────────────────────

// RecordCompletion writes the learner's progress for a story, updates the
// derived aggregates, and sends the record to the server. If the client is
// offline or the call fails, the record is queued for replay instead.
func (s *Syncer) RecordCompletion(ctx context.Context, userID, storyID string, in ProgressInput) (*ProgressRecord, error) {
	rec := ProgressRecord{
		UserID:            userID,
		StoryID:           storyID,
		Completed:         in.Completed,
		TimeSpent:         in.TimeSpent,
		VocabularyLearned: in.Vocabulary,
		QuizResults:       in.QuizResults,
		CoinsEarned:       in.CoinsEarned,
		BadgesEarned:      []string{},
	}
	if in.Completed {
		badge, err := s.checkBadges(ctx, userID, storyID)
		if err != nil {
			return nil, err
		}
		if badge != "" {
			rec.BadgesEarned = append(rec.BadgesEarned, badge)
		}
	}

	saved, err := s.store.SaveProgress(ctx, rec)
	if err != nil {
		return nil, err
	}
	if in.CoinsEarned != 0 {
		if _, err := s.store.AddCoins(ctx, userID, in.CoinsEarned); err != nil {
			return nil, err
		}
	}
	for _, v := range in.Vocabulary {
		if _, err := s.store.SaveVocabularyProgress(ctx, userID, v.Word, v.Repetitions, v.Learned); err != nil {
			return nil, err
		}
	}

	token := s.sessionToken(ctx)
	if s.IsOnline() {
		err := s.send(ctx, saved, token)
		if err == nil {
			marked, err := s.store.MarkProgressSynced(ctx, *saved)
			if err != nil {
				return nil, err
			}
			saved.Synced = marked
			return saved, nil
		}
		s.logger.Warn("direct_write_failed", "story_id", storyID, "error", err)
	}

	item, err := s.store.Enqueue(ctx, ProgressMutation{Record: *saved}, token)
	if err != nil {
		return nil, err
	}
	if n, err := s.store.QueueLen(ctx); err == nil {
		s.metrics.setQueueDepth(n)
	}
	s.emit(EventProgressQueued, map[string]any{"key": item.Key, "story_id": storyID})
	return saved, nil
}

func (s *Syncer) send(ctx context.Context, rec *ProgressRecord, token string) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	resp, err := s.client.Request(ctx, http.MethodPost, ProgressPath, body, bearer(token))
	if err != nil {
		return err
	}
	return resp.Err()
}

// checkBadges awards the Word Wizard badge once five stories, counting this
// one, are complete. It returns the newly awarded badge, if any.
func (s *Syncer) checkBadges(ctx context.Context, userID, storyID string) (string, error) {
	records, err := s.store.ListProgress(ctx, userID)
	if err != nil {
		return "", err
	}
	completed := 1
	for _, r := range records {
		if r.Completed && r.StoryID != storyID {
			completed++
		}
	}
	if completed < 5 {
		return "", nil
	}
	added, err := s.store.AwardBadge(ctx, userID, BadgeWordWizard)
	if err != nil || !added {
		return "", err
	}
	return BadgeWordWizard, nil
}
