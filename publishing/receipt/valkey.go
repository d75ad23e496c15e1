package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AzielCF/az-publish/infrastructure/valkey"
)

// kvStore is the subset of the Valkey client the ledger needs.
type kvStore interface {
	Key(parts ...string) string
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
}

var _ kvStore = (*valkey.Client)(nil)

// ValkeyLedger shares receipts between every engine instance.
type ValkeyLedger struct {
	kv  kvStore
	ttl time.Duration
}

func NewValkeyLedger(client *valkey.Client, ttl time.Duration) *ValkeyLedger {
	return newValkeyLedger(client, ttl)
}

func newValkeyLedger(kv kvStore, ttl time.Duration) *ValkeyLedger {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &ValkeyLedger{kv: kv, ttl: ttl}
}

func (l *ValkeyLedger) Lookup(ctx context.Context, key string) (Receipt, bool, error) {
	raw, ok, err := l.kv.Get(ctx, l.kv.Key("receipt", key))
	if err != nil || !ok {
		return Receipt{}, false, err
	}

	var r Receipt
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt %s: %w", key, err)
	}
	return r, true, nil
}

func (l *ValkeyLedger) Record(ctx context.Context, key string, r Receipt) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = l.kv.SetNX(ctx, l.kv.Key("receipt", key), string(raw), l.ttl)
	return err
}
