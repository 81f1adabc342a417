package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStateStore shares state entries between replicas. Entries carry a
// server-side TTL so expired ones disappear without a sweep, and GETDEL makes
// consumption atomic across processes.
type ValkeyStateStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkeyStateStore wraps an existing client.
func NewValkeyStateStore(client valkey.Client) *ValkeyStateStore {
	return &ValkeyStateStore{client: client, prefix: "pkce:state:", now: time.Now}
}

// SetClock overrides the time source.
func (s *ValkeyStateStore) SetClock(now func() time.Time) { s.now = now }

// DialValkey connects to the valkey server at addr.
func DialValkey(addr string) (valkey.Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}
	return client, nil
}

func (s *ValkeyStateStore) Put(ctx context.Context, entry *StateEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("state entry already expired")
	}
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	cmd := s.client.B().Set().Key(s.prefix + entry.State).Value(valkey.BinaryString(payload)).Nx().Px(ttl).Build()
	err = s.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return ErrStateExists
	}
	if err != nil {
		return fmt.Errorf("storing state in valkey: %w", err)
	}
	return nil
}

func (s *ValkeyStateStore) Consume(ctx context.Context, state string) (*StateEntry, error) {
	cmd := s.client.B().Getdel().Key(s.prefix + state).Build()
	payload, err := s.client.Do(ctx, cmd).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, invalidState("no entry")
	}
	if err != nil {
		return nil, fmt.Errorf("consuming state from valkey: %w", err)
	}

	entry, err := decodeEntry(payload)
	if err != nil {
		return nil, err
	}
	if entry.Expired(s.now()) {
		return nil, invalidState("entry expired")
	}
	return entry, nil
}
