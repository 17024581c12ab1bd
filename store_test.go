package storybridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Generic accessors
// ============================================================================

func TestStoreAccessors(t *testing.T) {
	ctx := context.Background()

	t.Run("absent entities resolve to zero values", func(t *testing.T) {
		s, _ := newTestStore(t)
		story, err := s.GetCachedStory(ctx, "missing")
		if err != nil || story != nil {
			t.Fatalf("GetCachedStory = %v, %v; want nil, nil", story, err)
		}
		stories, err := s.GetCachedStories(ctx)
		if err != nil || len(stories) != 0 {
			t.Fatalf("GetCachedStories = %v, %v", stories, err)
		}
		coins, err := s.GetCoins(ctx, "u1")
		if err != nil || coins != 0 {
			t.Fatalf("GetCoins = %d, %v", coins, err)
		}
		badges, err := s.GetBadges(ctx, "u1")
		if err != nil || badges == nil || len(badges) != 0 {
			t.Fatalf("GetBadges = %#v, %v; want empty slice", badges, err)
		}
		session, err := s.GetUserData(ctx)
		if err != nil || session != nil {
			t.Fatalf("GetUserData = %v, %v", session, err)
		}
	})

	t.Run("kinds share one KV without collisions", func(t *testing.T) {
		s, _ := newTestStore(t)
		if err := s.Put(ctx, KindStory, "1", map[string]string{"kind": "story"}); err != nil {
			t.Fatal(err)
		}
		if err := s.Put(ctx, KindAudio, "1", map[string]string{"kind": "audio"}); err != nil {
			t.Fatal(err)
		}
		var got map[string]string
		if ok, _ := s.Get(ctx, KindStory, "1", &got); !ok || got["kind"] != "story" {
			t.Fatalf("story entry = %v, %v", got, ok)
		}
		if ok, _ := s.Get(ctx, KindAudio, "1", &got); !ok || got["kind"] != "audio" {
			t.Fatalf("audio entry = %v, %v", got, ok)
		}
		if err := s.Delete(ctx, KindStory, "1"); err != nil {
			t.Fatal(err)
		}
		if ok, _ := s.Get(ctx, KindAudio, "1", &got); !ok {
			t.Fatal("deleting the story removed the audio entry")
		}
	})

	t.Run("malformed entry is a miss", func(t *testing.T) {
		kv := NewMemoryKV()
		s, _ := newTestStoreOn(t, kv)
		kv.Set(ctx, "stories:broken", []byte("{not json"))
		story, err := s.GetCachedStory(ctx, "broken")
		if err != nil || story != nil {
			t.Fatalf("GetCachedStory = %v, %v; want nil, nil", story, err)
		}
		if _, err := s.CacheStory(ctx, StoryPack{ID: "broken", Title: "Fixed"}); err != nil {
			t.Fatal(err)
		}
		story, _ = s.GetCachedStory(ctx, "broken")
		if story == nil || story.Title != "Fixed" {
			t.Fatalf("entry not overwritten: %v", story)
		}
	})

	t.Run("storage failures surface as ErrStorageUnavailable", func(t *testing.T) {
		s, _ := newTestStoreOn(t, &faultyKV{KV: NewMemoryKV(), failAll: true})
		_, err := s.CacheStory(ctx, StoryPack{ID: "1"})
		if !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("CacheStory err = %v", err)
		}
		if _, err := s.GetCachedStories(ctx); !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("GetCachedStories err = %v", err)
		}
		if _, err := s.Enqueue(ctx, ProgressMutation{}, ""); !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("Enqueue err = %v", err)
		}
	})
}

// ============================================================================
// Stories / progress / audio
// ============================================================================

func TestCacheStory(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	got, err := s.CacheStory(ctx, StoryPack{ID: "s1", Title: "The Fox", Language: "es"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CachedAt.Equal(testEpoch) || !got.OfflineAvailable {
		t.Fatalf("cache metadata = %v, %v", got.CachedAt, got.OfflineAvailable)
	}
	if _, err := s.CacheStory(ctx, StoryPack{}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := s.RemoveStory(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if story, _ := s.GetCachedStory(ctx, "s1"); story != nil {
		t.Fatal("story still cached after RemoveStory")
	}
}

func TestSaveProgress(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	first, err := s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "s1", TimeSpent: 30})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == "" || first.Synced {
		t.Fatalf("first = %+v", first)
	}
	if err := s.UpdateProgressSync(ctx, "u1", "s1", true); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	second, err := s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "s1", Completed: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("ID changed on rewrite: %s -> %s", first.ID, second.ID)
	}
	if second.Synced {
		t.Fatal("rewrite must reset synced")
	}
	if !second.UpdatedAt.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("UpdatedAt = %v", second.UpdatedAt)
	}

	if _, err := s.SaveProgress(ctx, ProgressRecord{UserID: "u1"}); err == nil {
		t.Fatal("expected error without story id")
	}
	if err := s.UpdateProgressSync(ctx, "u1", "unknown", true); err != nil {
		t.Fatalf("UpdateProgressSync on missing record: %v", err)
	}

	s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "s2"})
	s.SaveProgress(ctx, ProgressRecord{UserID: "u2", StoryID: "s1"})
	list, err := s.ListProgress(ctx, "u1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListProgress(u1) = %d records, %v", len(list), err)
	}
}

func TestMarkProgressSynced(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	old, _ := s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "s1", TimeSpent: 10})
	clock.Advance(time.Second)
	newer, _ := s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "s1", TimeSpent: 20})

	marked, err := s.MarkProgressSynced(ctx, *old)
	if err != nil {
		t.Fatal(err)
	}
	if marked {
		t.Fatal("stale version marked the stored record synced")
	}
	if rec, _ := s.GetProgress(ctx, "u1", "s1"); rec.Synced {
		t.Fatal("stored record synced by a stale version")
	}

	marked, err = s.MarkProgressSynced(ctx, *newer)
	if err != nil || !marked {
		t.Fatalf("MarkProgressSynced(current) = %v, %v", marked, err)
	}
	if rec, _ := s.GetProgress(ctx, "u1", "s1"); !rec.Synced || rec.TimeSpent != 20 {
		t.Fatalf("stored record = %+v", rec)
	}

	marked, err = s.MarkProgressSynced(ctx, ProgressRecord{UserID: "u1", StoryID: "missing"})
	if err != nil || marked {
		t.Fatalf("MarkProgressSynced(missing) = %v, %v", marked, err)
	}
}

func TestAudioCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	data := []byte{0x49, 0x44, 0x33, 0x00, 0xff}
	if err := s.CacheAudioFile(ctx, "a1", "audio/mpeg", data); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCachedAudioFile(ctx, "a1")
	if err != nil || got == nil {
		t.Fatalf("GetCachedAudioFile = %v, %v", got, err)
	}
	if string(got.Data) != string(data) || got.ContentType != "audio/mpeg" {
		t.Fatalf("audio = %+v", got)
	}
	s.RemoveCachedAudioFile(ctx, "a1")
	if got, _ := s.GetCachedAudioFile(ctx, "a1"); got != nil {
		t.Fatal("audio still cached")
	}
}

// ============================================================================
// Storage management
// ============================================================================

func TestPurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	s.CacheStory(ctx, StoryPack{ID: "old"})
	s.CacheAudioFile(ctx, "old-audio", "audio/mpeg", []byte("x"))
	s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "old"})
	if _, err := s.Enqueue(ctx, ProgressMutation{Record: ProgressRecord{UserID: "u1", StoryID: "old"}}, "tok"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(31 * 24 * time.Hour)
	s.CacheStory(ctx, StoryPack{ID: "fresh"})

	n, err := s.PurgeOlderThan(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if story, _ := s.GetCachedStory(ctx, "old"); story != nil {
		t.Error("old story survived")
	}
	if audio, _ := s.GetCachedAudioFile(ctx, "old-audio"); audio != nil {
		t.Error("old audio survived")
	}
	if story, _ := s.GetCachedStory(ctx, "fresh"); story == nil {
		t.Error("fresh story purged")
	}
	if rec, _ := s.GetProgress(ctx, "u1", "old"); rec == nil {
		t.Error("progress record purged")
	}
	if n, _ := s.QueueLen(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestStorageUsageAndClear(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s, _ := newTestStoreOn(t, kv)

	s.CacheStory(ctx, StoryPack{ID: "1"})
	s.CacheStory(ctx, StoryPack{ID: "2"})
	s.SaveCoins(ctx, "u1", 10)

	usage, err := s.StorageUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usage.ItemCount != 3 || usage.TotalSizeBytes == 0 || usage.TotalSizeMB != "0.00" {
		t.Fatalf("usage = %+v", usage)
	}
	if err := s.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if kv.Len() != 0 {
		t.Fatalf("%d keys left after ClearAll", kv.Len())
	}
}

// ============================================================================
// Aggregates
// ============================================================================

func TestAggregates(t *testing.T) {
	ctx := context.Background()

	t.Run("coins sum regardless of vocabulary updates", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.SaveCoins(ctx, "u1", 2)
		s.AddCoins(ctx, "u1", 5)
		s.SaveVocabularyProgress(ctx, "u1", "gato", 1, false)
		s.AddCoins(ctx, "u1", 3)
		s.SaveVocabularyProgress(ctx, "u1", "perro", 2, true)
		if got, _ := s.GetCoins(ctx, "u1"); got != 10 {
			t.Fatalf("coins = %d, want 10", got)
		}
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		s, _ := newTestStore(t)
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				s.AddCoins(ctx, "u1", 1)
			}()
			go func() {
				defer wg.Done()
				s.SaveVocabularyProgress(ctx, "u1", "gato", 1, false)
			}()
		}
		wg.Wait()
		if got, _ := s.GetCoins(ctx, "u1"); got != 50 {
			t.Fatalf("coins = %d, want 50", got)
		}
		stats, _ := s.GetVocabularyProgress(ctx, "u1")
		if len(stats) != 1 || stats[0].Repetitions != 50 {
			t.Fatalf("vocab = %+v", stats)
		}
	})

	t.Run("learned never reverts", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.SaveVocabularyProgress(ctx, "u1", "gato", 2, true)
		stat, err := s.SaveVocabularyProgress(ctx, "u1", "gato", 1, false)
		if err != nil {
			t.Fatal(err)
		}
		if !stat.Learned || stat.Repetitions != 3 {
			t.Fatalf("stat = %+v", stat)
		}
	})

	t.Run("badges are awarded once", func(t *testing.T) {
		s, _ := newTestStore(t)
		added, err := s.AwardBadge(ctx, "u1", BadgeWordWizard)
		if err != nil || !added {
			t.Fatalf("first award = %v, %v", added, err)
		}
		added, _ = s.AwardBadge(ctx, "u1", BadgeWordWizard)
		if added {
			t.Fatal("second award reported new")
		}
		badges, _ := s.GetBadges(ctx, "u1")
		if len(badges) != 1 {
			t.Fatalf("badges = %v", badges)
		}
	})
}

// ============================================================================
// Users
// ============================================================================

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestUserSession(t *testing.T) {
	ctx := context.Background()
	user := UserProfile{ID: "u1", Email: "ana@example.com", Role: "creator"}

	t.Run("save and verify offline", func(t *testing.T) {
		s, _ := newTestStore(t)
		exp := testEpoch.Add(24 * time.Hour)
		session, err := s.SaveUserData(ctx, user, signedToken(t, exp), true)
		if err != nil {
			t.Fatal(err)
		}
		if session.ExpiresAt == nil || !session.ExpiresAt.Equal(exp) {
			t.Fatalf("ExpiresAt = %v, want %v", session.ExpiresAt, exp)
		}
		if session.EmailHash != ComputeIdentityHash("ana@example.com") {
			t.Fatal("email hash mismatch")
		}
		if session.LoginState.LastOnline == nil {
			t.Fatal("last_online not set for an online login")
		}
		if got := session.LoginState.Permissions; len(got) != 4 || got[1] != "create_stories" {
			t.Fatalf("permissions = %v", got)
		}

		ok, err := s.VerifyOfflineLogin(ctx, "ana@example.com")
		if err != nil || !ok {
			t.Fatalf("VerifyOfflineLogin = %v, %v", ok, err)
		}
		if ok, _ := s.VerifyOfflineLogin(ctx, "eve@example.com"); ok {
			t.Fatal("verified a different email")
		}

		prefs, _ := s.GetUserPreferences(ctx, "u1")
		if prefs == nil || prefs.Language != "en" {
			t.Fatalf("preferences = %+v", prefs)
		}
	})

	t.Run("opaque token has no expiry", func(t *testing.T) {
		s, _ := newTestStore(t)
		session, err := s.SaveUserData(ctx, user, "opaque-token", false)
		if err != nil {
			t.Fatal(err)
		}
		if session.ExpiresAt != nil || session.LoginState.LastOnline != nil {
			t.Fatalf("session = %+v", session)
		}
	})

	t.Run("no session verifies nothing", func(t *testing.T) {
		s, _ := newTestStore(t)
		ok, err := s.VerifyOfflineLogin(ctx, "ana@example.com")
		if err != nil || ok {
			t.Fatalf("VerifyOfflineLogin = %v, %v", ok, err)
		}
	})

	t.Run("logout keeps queued mutations", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.SaveUserData(ctx, user, "tok", true)
		s.SaveProgress(ctx, ProgressRecord{UserID: "u1", StoryID: "s1"})
		s.AddCoins(ctx, "u1", 4)
		s.SaveVocabularyProgress(ctx, "u1", "gato", 1, false)
		s.SaveProgress(ctx, ProgressRecord{UserID: "u2", StoryID: "s1"})
		s.Enqueue(ctx, ProgressMutation{Record: ProgressRecord{UserID: "u1", StoryID: "s1"}}, "tok")

		if err := s.Logout(ctx); err != nil {
			t.Fatal(err)
		}
		if session, _ := s.GetUserData(ctx); session != nil {
			t.Error("session survived logout")
		}
		if list, _ := s.ListProgress(ctx, "u1"); len(list) != 0 {
			t.Errorf("u1 progress survived: %d", len(list))
		}
		if coins, _ := s.GetCoins(ctx, "u1"); coins != 0 {
			t.Errorf("coins survived: %d", coins)
		}
		if stats, _ := s.GetVocabularyProgress(ctx, "u1"); len(stats) != 0 {
			t.Errorf("vocabulary survived: %d", len(stats))
		}
		if list, _ := s.ListProgress(ctx, "u2"); len(list) != 1 {
			t.Errorf("u2 progress removed")
		}
		if n, _ := s.QueueLen(ctx); n != 1 {
			t.Errorf("queue length = %d, want 1", n)
		}
	})
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role string
		want string
	}{
		{"admin", "manage_users"},
		{"narrator", "create_narrations"},
		{"end_user", "earn_badges"},
		{"pirate", "earn_badges"},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			perms := RolePermissions(tt.role)
			found := false
			for _, p := range perms {
				found = found || p == tt.want
			}
			if !found {
				t.Fatalf("RolePermissions(%q) = %v, missing %q", tt.role, perms, tt.want)
			}
		})
	}

	// Callers must not be able to mutate the shared table.
	perms := RolePermissions("admin")
	perms[0] = "hacked"
	if RolePermissions("admin")[0] == "hacked" {
		t.Fatal("RolePermissions returned the shared slice")
	}
}

func TestComputeIdentityHash(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := ComputeIdentityHash("abc"); got != want {
		t.Fatalf("hash = %s", got)
	}
}
