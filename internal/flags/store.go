package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// hashKey holds every flag as field -> JSON Flag.
const hashKey = "quaipump:flags"

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// Store keeps flags in a single Redis hash.
type Store struct {
	client redis.Cmdable
}

func NewStore(client redis.Cmdable) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Store{client: client}, nil
}

func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("invalid flag key")
	}
	return nil
}

// MarketKey scopes a switch to one market, e.g. "trading.paused.PUMP".
func MarketKey(key, market string) string {
	return key + "." + strings.ToUpper(market)
}

func (s *Store) Upsert(ctx context.Context, key string, value bool) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	f := &Flag{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal flag: %w", err)
	}
	if err := s.client.HSet(ctx, hashKey, key, b).Err(); err != nil {
		return nil, fmt.Errorf("upsert flag %s: %w", key, err)
	}
	return f, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	raw, err := s.client.HGet(ctx, hashKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flag %s: %w", key, err)
	}
	return decode(raw)
}

// List returns every stored flag sorted by key. Undecodable entries are skipped.
func (s *Store) List(ctx context.Context) ([]*Flag, error) {
	all, err := s.client.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	out := make([]*Flag, 0, len(all))
	for _, raw := range all {
		f, err := decode(raw)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete is idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, hashKey, key).Err(); err != nil {
		return fmt.Errorf("delete flag %s: %w", key, err)
	}
	return nil
}

// IsEnabled reads a boolean flag; a flag that was never set is false.
func (s *Store) IsEnabled(ctx context.Context, key string) (bool, error) {
	f, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.Value, nil
}

// EnabledFor reports whether key is on globally or for market, in one round trip.
func (s *Store) EnabledFor(ctx context.Context, key, market string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	fields := []string{key}
	if market != "" {
		fields = append(fields, MarketKey(key, market))
	}

	vals, err := s.client.HMGet(ctx, hashKey, fields...).Result()
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", key, err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		f, err := decode(raw)
		if err != nil {
			return false, err
		}
		if f.Value {
			return true, nil
		}
	}
	return false, nil
}

func decode(raw string) (*Flag, error) {
	var f Flag
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("unmarshal flag: %w", err)
	}
	return &f, nil
}
