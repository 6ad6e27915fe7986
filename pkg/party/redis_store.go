package party

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aigentsy/dealcore/pkg/money"
)

// debitScript performs check-and-debit atomically server-side so two nodes
// staking bonds for the same party cannot both pass the balance check.
// KEYS[1] = balance key, KEYS[2] = ledger key
// ARGV[1] = amount (minor units), ARGV[2] = serialized ledger entry
var debitScript = redis.NewScript(`
local bal = redis.call("GET", KEYS[1])
if not bal then
    return {err = "unknown party"}
end
bal = tonumber(bal)
local amount = tonumber(ARGV[1])
if bal < amount then
    return -1
end
redis.call("DECRBY", KEYS[1], amount)
redis.call("RPUSH", KEYS[2], ARGV[2])
return bal - amount
`)

// RedisStore is a balance store shared across engine nodes.
type RedisStore struct {
	client   *redis.Client
	currency string
	prefix   string
}

// NewRedisStore creates a Redis-backed balance store.
func NewRedisStore(client *redis.Client, currency string) *RedisStore {
	return &RedisStore{client: client, currency: currency, prefix: "party"}
}

func (s *RedisStore) balanceKey(party string) string {
	return fmt.Sprintf("%s:balance:%s", s.prefix, party)
}

func (s *RedisStore) ledgerKey(party string) string {
	return fmt.Sprintf("%s:ledger:%s", s.prefix, party)
}

func (s *RedisStore) Balance(ctx context.Context, party string) (money.Money, error) {
	bal, err := s.client.Get(ctx, s.balanceKey(party)).Int64()
	if err == redis.Nil {
		return money.Money{}, fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}
	if err != nil {
		return money.Money{}, fmt.Errorf("party: balance read: %w", err)
	}
	return money.New(bal, s.currency), nil
}

func (s *RedisStore) Debit(ctx context.Context, party string, amount money.Money, entry LedgerEntry) error {
	if amount.Currency != s.currency {
		return fmt.Errorf("party: currency mismatch: %s vs %s", amount.Currency, s.currency)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("party: marshal ledger entry: %w", err)
	}
	res, err := debitScript.Run(ctx, s.client,
		[]string{s.balanceKey(party), s.ledgerKey(party)},
		amount.AmountMinor, raw,
	).Int64()
	if err != nil {
		if err.Error() == "unknown party" {
			return fmt.Errorf("%w: %s", ErrUnknownParty, party)
		}
		return fmt.Errorf("party: debit: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s needs %s", ErrInsufficientBalance, party, amount)
	}
	return nil
}

func (s *RedisStore) Credit(ctx context.Context, party string, amount money.Money, entry LedgerEntry) error {
	if amount.Currency != s.currency {
		return fmt.Errorf("party: currency mismatch: %s vs %s", amount.Currency, s.currency)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("party: marshal ledger entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, s.balanceKey(party), amount.AmountMinor)
	pipe.RPush(ctx, s.ledgerKey(party), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("party: credit: %w", err)
	}
	return nil
}

func (s *RedisStore) Ledger(ctx context.Context, party string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.client.LRange(ctx, s.ledgerKey(party), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("party: ledger read: %w", err)
	}
	out := make([]LedgerEntry, 0, len(raws))
	// LRange returns oldest-first; callers expect newest-first.
	for i := len(raws) - 1; i >= 0; i-- {
		var e LedgerEntry
		if err := json.Unmarshal([]byte(raws[i]), &e); err != nil {
			return nil, fmt.Errorf("party: decode ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Seed sets a party's opening balance. Intended for bootstrap tooling.
func (s *RedisStore) Seed(ctx context.Context, party string, amount money.Money) error {
	return s.client.Set(ctx, s.balanceKey(party), amount.AmountMinor, 0).Err()
}
