package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CodexLane/internal/data"
	"CodexLane/pkg/oauth"
)

// oauthSessionStore persists in-flight login sessions. It writes through to
// the shared cache and keeps a local copy so logins still complete when the
// cache is absent (noop cache deployments).
type oauthSessionStore struct {
	cache data.CacheClient

	mu    sync.Mutex
	local map[string]*oauth.Session
}

// NewOAuthSessionStore creates the session store backing the login flow.
func NewOAuthSessionStore(cache data.CacheClient) oauth.SessionStore {
	return &oauthSessionStore{
		cache: cache,
		local: make(map[string]*oauth.Session),
	}
}

func (s *oauthSessionStore) Save(ctx context.Context, session *oauth.Session, ttl time.Duration) error {
	s.mu.Lock()
	s.local[session.ID] = session
	s.mu.Unlock()

	key := data.BuildCacheKey(data.CacheKeyOAuthSession, session.ID)
	if err := s.cache.Set(ctx, key, session, ttl); err != nil {
		return fmt.Errorf("failed to cache OAuth session: %w", err)
	}
	return nil
}

func (s *oauthSessionStore) Load(ctx context.Context, id string) (*oauth.Session, error) {
	key := data.BuildCacheKey(data.CacheKeyOAuthSession, id)

	var session oauth.Session
	err := s.cache.Get(ctx, key, &session)
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, data.ErrCacheNotFound) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.local[id]
	if !ok || time.Since(cached.CreatedAt) > oauth.SessionTTL {
		delete(s.local, id)
		return nil, fmt.Errorf("oauth session not found: %s", id)
	}
	return cached, nil
}

func (s *oauthSessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.local, id)
	s.mu.Unlock()

	return s.cache.Delete(ctx, data.BuildCacheKey(data.CacheKeyOAuthSession, id))
}
