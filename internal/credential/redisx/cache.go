package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

// entry is the cached form of an access token, sealed before it leaves the
// process.
type entry struct {
	Secret    string               `json:"secret"`
	Kind      credential.TokenKind `json:"kind"`
	IssuedAt  time.Time            `json:"issued_at"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
	Scopes    []string             `json:"scopes,omitempty"`
}

func encodeEntry(tok credential.AccessToken) ([]byte, error) {
	e := entry{Kind: tok.Kind, IssuedAt: tok.IssuedAt, ExpiresAt: tok.ExpiresAt, Scopes: tok.Scopes}
	tok.Secret.Expose(func(s string) { e.Secret = s })
	return json.Marshal(e)
}

func decodeEntry(b []byte) (credential.AccessToken, error) {
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return credential.AccessToken{}, err
	}
	tok := credential.AccessToken{
		Secret:    secret.NewText(e.Secret),
		Kind:      e.Kind,
		IssuedAt:  e.IssuedAt,
		ExpiresAt: e.ExpiresAt,
		Scopes:    e.Scopes,
	}
	return credential.WithJWTClaims(tok), nil
}

// Cache is a token cache shared through Redis. Tokens are sealed with the
// keyring; Redis never sees them in clear. Size and Evictions are not
// tracked, since Redis evicts on its own.
type Cache struct {
	client  redis.UniversalClient
	keyring *secret.Keyring
	prefix  string
	clk     clock.Clock

	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64
}

// NewCache creates a cache under prefix ("nebula:token:" when empty).
func NewCache(client redis.UniversalClient, keyring *secret.Keyring, prefix string, clk clock.Clock) *Cache {
	if prefix == "" {
		prefix = "nebula:token:"
	}
	return &Cache{client: client, keyring: keyring, prefix: prefix, clk: clock.OrDefault(clk)}
}

func (c *Cache) aad(key string) []byte { return []byte("nebula/token-cache/" + key) }

// Get implements credential.Cache. Entries that fail to decrypt, for example
// after the key they were sealed under was retired, count as misses.
func (c *Cache) Get(ctx context.Context, key string) (credential.AccessToken, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return credential.AccessToken{}, false, nil
	}
	if err != nil {
		return credential.AccessToken{}, false, fault.Wrap(fault.Retryable, err, "token cache get")
	}

	var blob secret.EncryptedBlob
	tok, err := func() (credential.AccessToken, error) {
		if err := blob.UnmarshalBinary(raw); err != nil {
			return credential.AccessToken{}, err
		}
		plain, err := c.keyring.Open(blob, c.aad(key))
		if err != nil {
			return credential.AccessToken{}, err
		}
		defer clear(plain)
		return decodeEntry(plain)
	}()
	if err != nil {
		c.misses.Add(1)
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return credential.AccessToken{}, false, nil
	}
	if tok.Expired(c.clk.Now()) {
		c.expired.Add(1)
		c.misses.Add(1)
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return credential.AccessToken{}, false, nil
	}
	c.hits.Add(1)
	return tok, true, nil
}

// Put implements credential.Cache.
func (c *Cache) Put(ctx context.Context, key string, tok credential.AccessToken, ttl time.Duration) error {
	if tok.ExpiresAt != nil {
		if d := tok.ExpiresAt.Sub(c.clk.Now()); d < ttl {
			ttl = d
		}
	}
	// PX has millisecond resolution.
	if ttl < time.Millisecond {
		return nil
	}
	plain, err := encodeEntry(tok)
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "encode cached token")
	}
	defer clear(plain)
	blob, err := c.keyring.Seal(plain, c.aad(key))
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "seal cached token")
	}
	raw, err := blob.MarshalBinary()
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "encode cached token")
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fault.Wrap(fault.Retryable, err, "token cache put")
	}
	return nil
}

// Delete implements credential.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fault.Wrap(fault.Retryable, err, "token cache delete")
	}
	return nil
}

// Clear removes every key under the prefix.
func (c *Cache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := flush(); err != nil {
				return fault.Wrap(fault.Retryable, err, "token cache clear")
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fault.Wrap(fault.Retryable, err, "token cache clear")
	}
	if err := flush(); err != nil {
		return fault.Wrap(fault.Retryable, err, "token cache clear")
	}
	return nil
}

// Stats implements credential.Cache.
func (c *Cache) Stats() credential.CacheStats {
	return credential.CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
	}
}
