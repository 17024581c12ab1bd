package sqlitekv

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	storybridge "github.com/storybridge-app/storybridge-go"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "storybridge.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storybridge.ErrNotFound) {
		t.Fatalf("Get missing = %v", err)
	}
	for _, k := range []string{"vocab:u1:gato", "vocab:u1:perro", "vocab:u2:gato", "coins:u1"} {
		if err := s.Set(ctx, k, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, "coins:u1", []byte(`{"coins":5}`)); err != nil {
		t.Fatal(err)
	}
	v, _ := s.Get(ctx, "coins:u1")
	if string(v) != `{"coins":5}` {
		t.Fatalf("upsert not applied: %q", v)
	}

	keys, err := s.Keys(ctx, "vocab:u1:")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(keys, []string{"vocab:u1:gato", "vocab:u1:perro"}) {
		t.Fatalf("Keys = %v", keys)
	}

	// Prefix matching counts characters, not bytes.
	s.Set(ctx, "vocab:u1:niño", []byte(`{}`))
	s.Set(ctx, "vocab:u1:nina", []byte(`{}`))
	keys, _ = s.Keys(ctx, "vocab:u1:niñ")
	if !slices.Equal(keys, []string{"vocab:u1:niño"}) {
		t.Fatalf("Keys(niñ) = %v", keys)
	}

	if err := s.Delete(ctx, "coins:u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "coins:u1"); !errors.Is(err, storybridge.ErrNotFound) {
		t.Fatalf("Get deleted = %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, storybridge.ErrStorageUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestStoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	kv, path := openTemp(t)
	store := storybridge.NewStore(kv)

	if _, err := store.AddCoins(ctx, "u1", 7); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	kv, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	store = storybridge.NewStore(kv)
	defer store.Close()
	if coins, _ := store.GetCoins(ctx, "u1"); coins != 7 {
		t.Fatalf("coins after reopen = %d", coins)
	}
}

func TestQueueSequenceAcrossConnections(t *testing.T) {
	ctx := context.Background()
	first, path := openTemp(t)
	second, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	a := storybridge.NewStore(first)
	b := storybridge.NewStore(second)
	defer a.Close()
	defer b.Close()

	for _, step := range []struct {
		store *storybridge.Store
		story string
	}{{b, "b1"}, {a, "a1"}, {a, "a2"}, {b, "b2"}} {
		rec := storybridge.ProgressRecord{UserID: "u1", StoryID: step.story, Completed: true}
		if _, err := step.store.Enqueue(ctx, storybridge.ProgressMutation{Record: rec}, ""); err != nil {
			t.Fatal(err)
		}
	}

	items, err := b.DrainQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for i, it := range items {
		if it.Seq != uint64(i+1) {
			t.Fatalf("item %d has seq %d", i, it.Seq)
		}
		m, _ := it.Mutation()
		order = append(order, m.(storybridge.ProgressMutation).Record.StoryID)
	}
	if !slices.Equal(order, []string{"b1", "a1", "a2", "b2"}) {
		t.Fatalf("drain order = %v", order)
	}
}

func TestNextSeq(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()

	if n, err := s.NextSeq(ctx, "meta:seq", 0); err != nil || n != 1 {
		t.Fatalf("first NextSeq = %d, %v", n, err)
	}
	if n, _ := s.NextSeq(ctx, "meta:seq", 7); n != 8 {
		t.Fatalf("NextSeq above floor = %d", n)
	}
	if n, _ := s.NextSeq(ctx, "meta:seq", 3); n != 9 {
		t.Fatalf("NextSeq below stored = %d", n)
	}
	// The counter stays readable as a plain JSON number.
	raw, _ := s.Get(ctx, "meta:seq")
	if string(raw) != "9" {
		t.Fatalf("stored counter = %q", raw)
	}
}
