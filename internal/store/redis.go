package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonamoose/gateway/internal/apierr"
	"github.com/anonamoose/gateway/internal/logger"
)

const sessionKeyPrefix = "anonamoose:session:"

// RedisBackend is the remote Backend: native TTL via set-with-expire,
// cursor-paginated SCAN for enumeration, server INFO for stats (§4.7
// "remote").
type RedisBackend struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisBackend dials url and pings it once. Callers should fall back to
// a LocalBackend if the returned error is non-nil (§4.7, §7 StoreBackendDown).
func NewRedisBackend(ctx context.Context, url string, log *logger.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	return &RedisBackend{client: client, log: log}, nil
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (b *RedisBackend) Store(ctx context.Context, sessionID string, bindings []TokenBinding, ttl time.Duration) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, apierr.InvalidSessionID(sessionID)
	}
	now := time.Now()

	sess, err := b.getRaw(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &Session{ID: sessionID, CreatedAt: now}
	}

	existing := sess.originals()
	for _, bind := range bindings {
		if existing[bind.Original] {
			continue
		}
		sess.Bindings = append(sess.Bindings, bind)
		existing[bind.Original] = true
	}
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(ttl)

	if err := b.putRaw(ctx, sess, ttl); err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

func (b *RedisBackend) Retrieve(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := b.getRaw(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	sess.LastAccessedAt = time.Now()
	remaining := time.Until(sess.ExpiresAt)
	if remaining <= 0 {
		return nil, nil
	}
	if err := b.putRaw(ctx, sess, remaining); err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

func (b *RedisBackend) getRaw(ctx context.Context, sessionID string) (*Session, error) {
	data, err := b.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.BackendError(err.Error())
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apierr.BackendError("corrupt session record: " + err.Error())
	}
	return &sess, nil
}

func (b *RedisBackend) putRaw(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return apierr.BackendError(err.Error())
	}
	if err := b.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return apierr.BackendError(err.Error())
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, sessionID string) (bool, error) {
	n, err := b.client.Del(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, apierr.BackendError(err.Error())
	}
	return n > 0, nil
}

func (b *RedisBackend) DeleteAll(ctx context.Context) (int, error) {
	keys, err := b.scanAllKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return 0, apierr.BackendError(err.Error())
	}
	return len(keys), nil
}

func (b *RedisBackend) Extend(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	sess, err := b.getRaw(ctx, sessionID)
	if err != nil || sess == nil {
		return false, err
	}
	sess.ExpiresAt = time.Now().Add(ttl)
	if err := b.putRaw(ctx, sess, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (b *RedisBackend) Size(ctx context.Context) (int, error) {
	keys, err := b.scanAllKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *RedisBackend) GetAllSessions(ctx context.Context) ([]*Session, error) {
	keys, err := b.scanAllKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		sess, err := b.getRaw(ctx, id)
		if err != nil || sess == nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (b *RedisBackend) Search(ctx context.Context, query string) ([]*Session, error) {
	all, err := b.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*Session
	for _, sess := range all {
		if sessionMatches(sess, q) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (b *RedisBackend) GetStorageStats(ctx context.Context) (Stats, error) {
	count, err := b.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	all, _ := b.GetAllSessions(ctx)
	bindingCount := 0
	for _, sess := range all {
		bindingCount += len(sess.Bindings)
	}
	info, err := b.client.Info(ctx, "server").Result()
	if err != nil {
		info = ""
	}
	return Stats{
		Backend:       "redis",
		SessionCount:  count,
		BindingCount:  bindingCount,
		ConnectedInfo: firstLine(info),
	}, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// scanAllKeys paginates through session keys using a cursor, per §4.7
// "scan-based enumeration".
func (b *RedisBackend) scanAllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := b.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, apierr.BackendError(err.Error())
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
