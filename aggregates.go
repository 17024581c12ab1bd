package storybridge

import (
	"context"
	"slices"
)

// Coins, badges and vocabulary totals are caches derived from progress
// records. Each helper holds the key's stripe lock across its read and
// write, so concurrent updates inside one process never lose increments.

// ── Coins ────────────────────────────────────────────────

func (s *Store) SaveCoins(ctx context.Context, userID string, coins int) error {
	return s.Put(ctx, KindCoins, userID, CoinBalance{Coins: coins, UpdatedAt: s.now()})
}

func (s *Store) GetCoins(ctx context.Context, userID string) (int, error) {
	var bal CoinBalance
	if _, err := s.Get(ctx, KindCoins, userID, &bal); err != nil {
		return 0, err
	}
	return bal.Coins, nil
}

// AddCoins adds amount to the stored balance and returns the new total.
func (s *Store) AddCoins(ctx context.Context, userID string, amount int) (int, error) {
	defer s.lock(entityKey(KindCoins, userID))()

	current, err := s.GetCoins(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := current + amount
	if err := s.SaveCoins(ctx, userID, total); err != nil {
		return 0, err
	}
	return total, nil
}

// ── Badges ───────────────────────────────────────────────

func (s *Store) SaveBadges(ctx context.Context, userID string, badges []string) error {
	return s.Put(ctx, KindBadges, userID, BadgeSet{Badges: badges, UpdatedAt: s.now()})
}

func (s *Store) GetBadges(ctx context.Context, userID string) ([]string, error) {
	var set BadgeSet
	if _, err := s.Get(ctx, KindBadges, userID, &set); err != nil {
		return nil, err
	}
	if set.Badges == nil {
		return []string{}, nil
	}
	return set.Badges, nil
}

// AwardBadge adds badge unless the user already has it. It reports whether
// the badge is new.
func (s *Store) AwardBadge(ctx context.Context, userID, badge string) (bool, error) {
	defer s.lock(entityKey(KindBadges, userID))()

	badges, err := s.GetBadges(ctx, userID)
	if err != nil {
		return false, err
	}
	if slices.Contains(badges, badge) {
		return false, nil
	}
	if err := s.SaveBadges(ctx, userID, append(badges, badge)); err != nil {
		return false, err
	}
	return true, nil
}

// ── Vocabulary ───────────────────────────────────────────

// SaveVocabularyProgress adds repetitions to the word's total; learned never
// reverts to false once set.
func (s *Store) SaveVocabularyProgress(ctx context.Context, userID, word string, repetitions int, learned bool) (*VocabularyStat, error) {
	key := entityKey(KindVocab, userID, word)
	defer s.lock(key)()

	var existing VocabularyStat
	if _, err := s.getRaw(ctx, key, &existing); err != nil {
		return nil, err
	}
	stat := VocabularyStat{
		Word:        word,
		Repetitions: existing.Repetitions + repetitions,
		Learned:     learned || existing.Learned,
		UpdatedAt:   s.now(),
	}
	if err := s.putRaw(ctx, key, stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

func (s *Store) GetVocabularyProgress(ctx context.Context, userID string) ([]VocabularyStat, error) {
	return ListByPrefix[VocabularyStat](ctx, s, KindVocab, userID)
}
