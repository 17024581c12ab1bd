package storybridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var rolePermissions = map[string][]string{
	"end_user": {"view_stories", "save_progress", "earn_badges"},
	"creator":  {"view_stories", "create_stories", "edit_own_stories", "save_progress"},
	"narrator": {"view_stories", "create_narrations", "edit_own_narrations", "save_progress"},
	"admin":    {"view_all", "manage_users", "approve_content", "view_analytics"},
}

// RolePermissions returns the permission set of role. Unknown roles get the
// learner set.
func RolePermissions(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		perms = rolePermissions["end_user"]
	}
	return append([]string(nil), perms...)
}

// ComputeIdentityHash returns the hex SHA-256 digest of s.
func ComputeIdentityHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server remains the authority on validity.
func tokenExpiry(token string) *time.Time {
	if token == "" {
		return nil
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time.UTC()
	return &t
}

// ── Session ──────────────────────────────────────────────

// SaveUserData caches the session for offline use. online records whether
// the login happened with connectivity; it sets last_online.
func (s *Store) SaveUserData(ctx context.Context, user UserProfile, token string, online bool) (*UserSession, error) {
	now := s.now()
	session := UserSession{
		User:      user,
		Token:     token,
		SavedAt:   now,
		ExpiresAt: tokenExpiry(token),
		LoginState: LoginState{
			Authenticated: true,
			Role:          user.Role,
			Permissions:   RolePermissions(user.Role),
		},
	}
	if user.Email != "" {
		session.EmailHash = ComputeIdentityHash(user.Email)
	}
	if online {
		session.LoginState.LastOnline = &now
	}
	if err := s.putRaw(ctx, entityKey(KindUserData), session); err != nil {
		return nil, err
	}
	if user.ID != "" {
		if _, err := s.CacheUserPreferences(ctx, user); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

func (s *Store) GetUserData(ctx context.Context) (*UserSession, error) {
	var session UserSession
	ok, err := s.getRaw(ctx, entityKey(KindUserData), &session)
	if err != nil || !ok {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ClearUserData(ctx context.Context) error {
	k := entityKey(KindUserData)
	if err := s.kv.Delete(ctx, k); err != nil {
		return storageErr("delete", k, err)
	}
	return nil
}

// VerifyOfflineLogin reports whether email belongs to the cached, still
// authenticated session.
func (s *Store) VerifyOfflineLogin(ctx context.Context, email string) (bool, error) {
	session, err := s.GetUserData(ctx)
	if err != nil || session == nil {
		return false, err
	}
	if session.User.ID == "" || session.EmailHash == "" {
		return false, nil
	}
	return session.EmailHash == ComputeIdentityHash(email) && session.LoginState.Authenticated, nil
}

// Logout drops the session and everything owned by its user. Queued
// mutations are kept; they carry their own credential.
func (s *Store) Logout(ctx context.Context) error {
	session, err := s.GetUserData(ctx)
	if err != nil {
		return err
	}
	if session != nil && session.User.ID != "" {
		uid := session.User.ID
		for _, prefix := range []string{
			entityPrefix(KindProgress, uid),
			entityPrefix(KindVocab, uid),
		} {
			if _, err := s.deletePrefix(ctx, prefix); err != nil {
				return err
			}
		}
		for _, kind := range []Kind{KindPreferences, KindBadges, KindCoins} {
			if err := s.Delete(ctx, kind, uid); err != nil {
				return err
			}
		}
	}
	return s.ClearUserData(ctx)
}

// ── Preferences ──────────────────────────────────────────

func (s *Store) CacheUserPreferences(ctx context.Context, user UserProfile) (*Preferences, error) {
	if user.ID == "" {
		return nil, fmt.Errorf("cache preferences: empty user id")
	}
	prefs := Preferences{
		Language:   user.Language,
		Role:       user.Role,
		AvatarURL:  user.AvatarURL,
		MFAEnabled: user.MFAEnabled,
		CachedAt:   s.now(),
	}
	if prefs.Language == "" {
		prefs.Language = "en"
	}
	if err := s.Put(ctx, KindPreferences, user.ID, prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (s *Store) GetUserPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var prefs Preferences
	ok, err := s.Get(ctx, KindPreferences, userID, &prefs)
	if err != nil || !ok {
		return nil, err
	}
	return &prefs, nil
}
