package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/threadwatch/reddit"
	"github.com/onnwee/threadwatch/watch"
)

// redditProvider is the oauth_tokens row holding the cached app token.
const redditProvider = "reddit"

// ErrGroupNotFound is returned by mutations on a group that was never configured.
var ErrGroupNotFound = watch.ErrGroupNotFound

// Store implements watch.Store and reddit.TokenCache on Postgres.
type Store struct{ DB *sql.DB }

var (
	_ watch.Store       = (*Store)(nil)
	_ reddit.TokenCache = (*Store)(nil)
)

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// MigrationVersion reports the applied schema version and whether the last
// migration was left half-applied.
func (s *Store) MigrationVersion(ctx context.Context) (uint, bool, error) {
	return GetMigrationVersion(ctx, s.DB)
}

const groupColumns = `guild_id, thread_url, channel_id, watermark, enabled, updated_at`

func scanGroup(row interface{ Scan(...any) error }) (watch.Group, error) {
	var g watch.Group
	var updated sql.NullTime
	if err := row.Scan(&g.ID, &g.ThreadURL, &g.ChannelID, &g.Watermark, &g.Enabled, &updated); err != nil {
		return watch.Group{}, err
	}
	g.UpdatedAt = updated.Time
	return g, nil
}

// GetGroup returns the stored group or, when none exists, an enabled group
// with empty thread and channel.
func (s *Store) GetGroup(ctx context.Context, id string) (watch.Group, error) {
	g, err := scanGroup(s.DB.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM watch_groups WHERE guild_id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return watch.Group{ID: id, Enabled: true}, nil
	}
	if err != nil {
		return watch.Group{}, fmt.Errorf("get group %s: %w", id, err)
	}
	return g, nil
}

// ListGroups returns every stored group ordered by id.
func (s *Store) ListGroups(ctx context.Context) ([]watch.Group, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+groupColumns+` FROM watch_groups ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []watch.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetWatchTarget stores the thread and channel of a group, creating it if
// needed. Pointing the group at a different thread resets its watermark to 0
// so the new thread's history is relayed. Threads are compared by their
// canonical id, so another link to the same thread keeps the watermark.
func (s *Store) SetWatchTarget(ctx context.Context, id, threadURL string, channelID int64) (watch.Group, error) {
	threadID, err := reddit.ParseThreadID(threadURL)
	if err != nil {
		return watch.Group{}, fmt.Errorf("set watch target for %s: %w", id, err)
	}
	q := `INSERT INTO watch_groups(guild_id, thread_url, thread_id, channel_id, watermark, enabled, created_at, updated_at)
		  VALUES($1,$2,$3,$4,0,TRUE,NOW(),NOW())
		  ON CONFLICT(guild_id) DO UPDATE SET
		    watermark = CASE WHEN watch_groups.thread_id = EXCLUDED.thread_id THEN watch_groups.watermark ELSE 0 END,
		    thread_url = EXCLUDED.thread_url,
		    thread_id = EXCLUDED.thread_id,
		    channel_id = EXCLUDED.channel_id,
		    updated_at = NOW()
		  RETURNING ` + groupColumns
	g, err := scanGroup(s.DB.QueryRowContext(ctx, q, id, threadURL, threadID, channelID))
	if err != nil {
		return watch.Group{}, fmt.Errorf("set watch target for %s: %w", id, err)
	}
	return g, nil
}

// AdvanceWatermark raises the watermark of id to ts. The update only applies
// while the group still watches the thread threadURL points at and never
// lowers the value.
func (s *Store) AdvanceWatermark(ctx context.Context, id, threadURL string, ts int64) error {
	threadID, err := reddit.ParseThreadID(threadURL)
	if err != nil {
		return fmt.Errorf("advance watermark for %s: %w", id, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE watch_groups SET watermark = GREATEST(watermark, $3), updated_at = NOW()
		 WHERE guild_id = $1 AND thread_id = $2`, id, threadID, ts)
	if err != nil {
		return fmt.Errorf("advance watermark for %s: %w", id, err)
	}
	return nil
}

// ResetWatermark sets the watermark of id back to 0 so the whole thread is
// relayed again.
func (s *Store) ResetWatermark(ctx context.Context, id string) error {
	return s.updateGroup(ctx, id, `UPDATE watch_groups SET watermark = 0, updated_at = NOW() WHERE guild_id = $1`)
}

// SetEnabled pauses or resumes a group.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateGroup(ctx, id, `UPDATE watch_groups SET enabled = $2, updated_at = NOW() WHERE guild_id = $1`, enabled)
}

func (s *Store) updateGroup(ctx context.Context, id, q string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update group %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// GetCredentials returns the stored source credentials, or the zero value
// when none were set.
func (s *Store) GetCredentials(ctx context.Context) (reddit.Credentials, error) {
	var c reddit.Credentials
	var version int
	err := s.DB.QueryRowContext(ctx,
		`SELECT client_id, client_secret, user_agent, encryption_version FROM source_credentials WHERE id = 1`).
		Scan(&c.ClientID, &c.ClientSecret, &c.UserAgent, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return reddit.Credentials{}, nil
	}
	if err != nil {
		return reddit.Credentials{}, fmt.Errorf("get credentials: %w", err)
	}
	secret, err := unseal(c.ClientSecret, version)
	if err != nil {
		return reddit.Credentials{}, fmt.Errorf("decrypt client secret: %w", err)
	}
	c.ClientSecret = secret
	return c, nil
}

// SetCredentials replaces the source credentials and drops the cached token
// minted with the previous ones.
func (s *Store) SetCredentials(ctx context.Context, c reddit.Credentials) error {
	secret, version, err := seal(c.ClientSecret)
	if err != nil {
		return fmt.Errorf("encrypt client secret: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO source_credentials(id, client_id, client_secret, user_agent, encryption_version, updated_at)
		 VALUES(1,$1,$2,$3,$4,NOW())
		 ON CONFLICT(id) DO UPDATE SET
		   client_id = EXCLUDED.client_id,
		   client_secret = EXCLUDED.client_secret,
		   user_agent = EXCLUDED.user_agent,
		   encryption_version = EXCLUDED.encryption_version,
		   updated_at = NOW()`,
		c.ClientID, secret, c.UserAgent, version); err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, redditProvider); err != nil {
		return fmt.Errorf("clear cached token: %w", err)
	}
	return tx.Commit()
}

// LoadToken returns the cached app token, or nil when none is stored.
func (s *Store) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	var access, tokenType sql.NullString
	var expiry sql.NullTime
	var version int
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, token_type, expires_at, COALESCE(encryption_version, 0) FROM oauth_tokens WHERE provider = $1`,
		redditProvider).Scan(&access, &tokenType, &expiry, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tok, err := unseal(access.String, version)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	return &oauth2.Token{AccessToken: tok, TokenType: tokenType.String, Expiry: expiry.Time}, nil
}

// SaveToken caches tok, encrypted when ENCRYPTION_KEY is set.
func (s *Store) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil {
		return nil
	}
	access, version, err := seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, token_type, expires_at, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   token_type = EXCLUDED.token_type,
		   expires_at = EXCLUDED.expires_at,
		   encryption_version = EXCLUDED.encryption_version,
		   updated_at = NOW()`,
		redditProvider, access, tok.TokenType, tok.Expiry, version)
	return err
}

// ClearToken drops the cached app token.
func (s *Store) ClearToken(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, redditProvider)
	return err
}

func lastCycleKey(group string) string { return "watch_last_cycle:" + group }

// RecordCycle stores the time of the most recent cycle of group in kv.
func (s *Store) RecordCycle(ctx context.Context, group string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		lastCycleKey(group), strconv.FormatInt(at.Unix(), 10))
	return err
}

// LastCycle returns the recorded time of the last cycle of group, or the
// zero time when none was recorded.
func (s *Store) LastCycle(ctx context.Context, group string) (time.Time, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, lastCycleKey(group)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", lastCycleKey(group), err)
	}
	return time.Unix(sec, 0), nil
}
