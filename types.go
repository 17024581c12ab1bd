package storybridge

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the StoryBridge API.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Content
// ============================================================================

// Quiz is one comprehension question attached to a story.
type Quiz struct {
	Type     string   `json:"type"` // "true_false", "multiple_choice" or "fill_blank"
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Answer   any      `json:"answer"`
}

// StoryPack is a downloadable story plus its offline cache metadata.
type StoryPack struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Text             string    `json:"text"`
	Language         string    `json:"language"`
	AgeGroup         string    `json:"age_group"`
	Vocabulary       []string  `json:"vocabulary"`
	Quizzes          []Quiz    `json:"quizzes"`
	CreatorID        string    `json:"creator_id,omitempty"`
	Status           string    `json:"status,omitempty"`
	AudioID          string    `json:"audio_id,omitempty"`
	CachedAt         time.Time `json:"cached_at"`
	OfflineAvailable bool      `json:"offline_available"`
}

// CachedAudio is a narration file kept for offline playback.
type CachedAudio struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type,omitempty"`
	Data        []byte    `json:"blob"`
	CachedAt    time.Time `json:"cached_at"`
}

// ============================================================================
// Progress
// ============================================================================

// VocabularyItem records how a learner did with one target word.
type VocabularyItem struct {
	Word        string `json:"word"`
	Repetitions int    `json:"repetitions"`
	Learned     bool   `json:"learned"`
}

// QuizResult is the outcome of a single quiz answer.
type QuizResult struct {
	Question string `json:"question"`
	Answer   any    `json:"answer"`
	Correct  bool   `json:"correct"`
}

// ProgressRecord is the per (user, story) completion record. It is the
// source of truth for the derived coin, badge and vocabulary aggregates.
type ProgressRecord struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	StoryID           string           `json:"story_id"`
	Completed         bool             `json:"completed"`
	TimeSpent         int              `json:"time_spent"`
	VocabularyLearned []VocabularyItem `json:"vocabulary_learned"`
	QuizResults       []QuizResult     `json:"quiz_results"`
	CoinsEarned       int              `json:"coins_earned"`
	BadgesEarned      []string         `json:"badges_earned"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Synced            bool             `json:"synced"`
}

// ProgressInput is what the UI reports when a story is finished.
type ProgressInput struct {
	Completed   bool
	TimeSpent   int
	Vocabulary  []VocabularyItem
	QuizResults []QuizResult
	CoinsEarned int
}

// ============================================================================
// Users
// ============================================================================

// UserProfile is the user object returned by the auth endpoints.
type UserProfile struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	Language   string `json:"language,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	MFAEnabled bool   `json:"mfa_enabled,omitempty"`
}

// LoginState is the cached authorization view used while offline.
type LoginState struct {
	Authenticated bool       `json:"authenticated"`
	Role          string     `json:"role"`
	Permissions   []string   `json:"permissions"`
	LastOnline    *time.Time `json:"last_online,omitempty"`
}

// UserSession is the credential/profile bundle cached at login.
type UserSession struct {
	User       UserProfile `json:"user"`
	Token      string      `json:"token"`
	SavedAt    time.Time   `json:"saved_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	EmailHash  string      `json:"email_hash,omitempty"`
	LoginState LoginState  `json:"login_state"`
}

// Preferences are per-user settings kept for offline use.
type Preferences struct {
	Language   string    `json:"language"`
	Role       string    `json:"role"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	MFAEnabled bool      `json:"mfa_enabled"`
	CachedAt   time.Time `json:"cached_at"`
}

// ============================================================================
// Aggregates
// ============================================================================

// VocabularyStat is the per-user running total for one word.
type VocabularyStat struct {
	Word        string    `json:"word"`
	Repetitions int       `json:"repetitions"`
	Learned     bool      `json:"learned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BadgeSet holds the badges a user has earned.
type BadgeSet struct {
	Badges    []string  `json:"badges"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CoinBalance holds a user's coin total.
type CoinBalance struct {
	Coins     int       `json:"coins"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============================================================================
// Storage management
// ============================================================================

// StorageUsage summarises what the offline store currently holds.
type StorageUsage struct {
	ItemCount      int    `json:"itemCount"`
	TotalSizeBytes uint64 `json:"totalSizeBytes"`
	TotalSizeMB    string `json:"totalSizeMB"`
}

// Human renders the size the way the storage screen shows it.
func (u StorageUsage) Human() string {
	return fmt.Sprintf("%d items, %s", u.ItemCount, humanize.Bytes(u.TotalSizeBytes))
}
