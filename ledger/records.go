package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// Lookup decodes the record at key. found is false when absent.
func Lookup[T any](ctx context.Context, s Store, key Key) (v T, version int64, found bool, err error) {
	rec, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return v, 0, found, err
	}
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return v, 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, rec.Version, true, nil
}

// Load decodes the record at key, returning missing wrapped around
// ErrNotFound when it is absent.
func Load[T any](ctx context.Context, s Store, key Key, missing error) (T, int64, error) {
	v, version, found, err := Lookup[T](ctx, s, key)
	if err != nil {
		return v, 0, err
	}
	if !found {
		if missing == nil {
			missing = ErrNotFound
		}
		return v, 0, fmt.Errorf("%s: %w", key, missing)
	}
	return v, version, nil
}

// Insert encodes v and creates it at key.
func Insert[T any](ctx context.Context, s Store, key Key, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Create(ctx, key, data)
}

// Update encodes v and writes it at key if the version is unchanged.
func Update[T any](ctx context.Context, s Store, key Key, version int64, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.PutIf(ctx, key, version, data)
}

// Scan decodes every record under prefix.
func Scan[T any](ctx context.Context, s Store, prefix Key) ([]T, error) {
	recs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
