//go:build integration

package storybridge_test

import (
	"context"
	"os"
	"testing"
	"time"

	storybridge "github.com/storybridge-app/storybridge-go"
)

// helpers ---------------------------------------------------------------

func testBaseURL(t *testing.T) string {
	t.Helper()
	base := os.Getenv("STORYBRIDGE_BASE_URL_TEST")
	if base == "" {
		t.Fatal("STORYBRIDGE_BASE_URL_TEST environment variable is required")
	}
	return base
}

func credentials(t *testing.T) (string, string) {
	t.Helper()
	email, password := os.Getenv("STORYBRIDGE_EMAIL_TEST"), os.Getenv("STORYBRIDGE_PASSWORD_TEST")
	if email == "" || password == "" {
		t.Fatal("STORYBRIDGE_EMAIL_TEST and STORYBRIDGE_PASSWORD_TEST are required")
	}
	return email, password
}

func login(t *testing.T, ctx context.Context) (*storybridge.Client, *storybridge.LoginResult) {
	t.Helper()
	client := storybridge.NewClient("", storybridge.WithBaseURL(testBaseURL(t)))
	email, password := credentials(t)
	res, err := client.Login(ctx, email, password)
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	client.SetToken(res.AccessToken)
	return client, res
}

// =======================================================================
// Group 1: Auth
// =======================================================================

func TestIntegration_Auth_LoginAndMe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, res := login(t, ctx)
	if res.AccessToken == "" {
		t.Fatal("expected non-empty access token")
	}
	me, err := client.Me(ctx)
	if err != nil {
		t.Fatalf("Me returned error: %v", err)
	}
	if me.ID != res.User.ID {
		t.Errorf("Me id = %s, login user id = %s", me.ID, res.User.ID)
	}
	t.Logf("Login: user=%s role=%s", me.ID, me.Role)
}

func TestIntegration_Auth_OfflineVerify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, res := login(t, ctx)
	store := storybridge.NewStore(storybridge.NewMemoryKV())
	if _, err := store.SaveUserData(ctx, res.User, res.AccessToken, true); err != nil {
		t.Fatalf("SaveUserData returned error: %v", err)
	}
	email, _ := credentials(t)
	ok, err := store.VerifyOfflineLogin(ctx, email)
	if err != nil || !ok {
		t.Fatalf("VerifyOfflineLogin = %v, %v", ok, err)
	}
}

// =======================================================================
// Group 2: Offline progress replay
// =======================================================================

func TestIntegration_Sync_ReplayQueuedProgress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, res := login(t, ctx)
	stories, err := client.ListStories(ctx)
	if err != nil {
		t.Fatalf("ListStories returned error: %v", err)
	}
	if len(stories) == 0 {
		t.Skip("backend has no stories to complete")
	}

	store := storybridge.NewStore(storybridge.NewMemoryKV())
	if _, err := store.SaveUserData(ctx, res.User, res.AccessToken, true); err != nil {
		t.Fatal(err)
	}
	syncer := storybridge.NewSyncer(store, client, &storybridge.SyncOptions{FlushInterval: -1, StartOffline: true})
	defer syncer.Destroy()

	rec, err := syncer.RecordCompletion(ctx, res.User.ID, stories[0].ID, storybridge.ProgressInput{
		Completed:   true,
		TimeSpent:   42,
		CoinsEarned: 1,
	})
	if err != nil {
		t.Fatalf("RecordCompletion returned error: %v", err)
	}
	if rec.Synced {
		t.Fatal("offline completion reported synced")
	}

	syncer.SetOnline(true)
	deadline := time.Now().Add(30 * time.Second)
	for {
		n, err := store.QueueLen(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue still holds %d items", n)
		}
		time.Sleep(200 * time.Millisecond)
	}

	remote, err := client.ListProgress(ctx)
	if err != nil {
		t.Fatalf("ListProgress returned error: %v", err)
	}
	found := false
	for _, r := range remote {
		if r.StoryID == stories[0].ID {
			found = true
		}
	}
	if !found {
		t.Errorf("replayed progress for %s not on the server", stories[0].ID)
	}
}
