package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CacheTier2 adapts Store to the cache.TierTwo interface, backing the
// tiered cache's remote tier with the engine's own durable table.
type CacheTier2 struct {
	s *Store
}

// NewCacheTier2 wraps store for use as the tiered cache's tier 2.
func NewCacheTier2(s *Store) *CacheTier2 { return &CacheTier2{s: s} }

func (c *CacheTier2) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	row := c.s.queryRowContext(ctx, `SELECT value, expires_at FROM cache_tier2 WHERE key = ?`, key)
	var value []byte
	var expiresAt int64
	err := row.Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return value, time.Unix(expiresAt, 0).UTC(), true, nil
}

func (c *CacheTier2) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := c.s.execContext(ctx, `INSERT INTO cache_tier2 (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, expiresAt.Unix())
	return err
}

func (c *CacheTier2) Delete(ctx context.Context, key string) error {
	_, err := c.s.execContext(ctx, `DELETE FROM cache_tier2 WHERE key = ?`, key)
	return err
}

func (c *CacheTier2) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := c.s.execContext(ctx, `DELETE FROM cache_tier2 WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	return err
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
