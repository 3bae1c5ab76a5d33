// Package session persists the enrolled signing credential and a small
// per-asset balance cache between runs. The executor consults the cache for
// pre-flight validation and asks for a refresh after settlement; refreshes
// are skipped outright while a transaction is in flight so the balance read
// never races the submission it is meant to reflect.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	settle "github.com/kalebeat/settle"
)

var (
	bucketCredential = []byte("credential")
	bucketBalances   = []byte("balances")

	keyHandle = []byte("handle")
)

// DefaultBalanceTTL bounds how long a cached balance is trusted for
// pre-flight checks.
const DefaultBalanceTTL = 5 * time.Minute

// BalanceSource reads an account's balance from the ledger. The horizon
// client satisfies it.
type BalanceSource interface {
	AccountBalance(ctx context.Context, address, asset string) (decimal.Decimal, error)
}

// Config configures a Store.
type Config struct {
	// Path is the bolt database file. Created if absent.
	Path string
	// Account is the ledger address whose balances are cached.
	Account string
	// Source reads fresh balances. Required for RefreshBalance.
	Source BalanceSource
	// LockHeld reports whether a transaction is currently in flight.
	// While it returns true, RefreshBalance is a no-op.
	LockHeld func() bool
	// BalanceTTL overrides DefaultBalanceTTL when positive.
	BalanceTTL time.Duration
	Logger     zerolog.Logger
}

// Store is a bbolt-backed session store. It implements settle.SessionState.
type Store struct {
	db       *bolt.DB
	account  string
	source   BalanceSource
	lockHeld func() bool
	ttl      time.Duration
	log      zerolog.Logger
	refresh  singleflight.Group
}

type balanceRecord struct {
	Amount    string    `json:"amount"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Open opens (creating if needed) the session database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, settle.NewError(settle.KindValidation, "session store requires a path")
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, settle.WrapError(settle.KindUnknown, "open session store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCredential); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBalances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, settle.WrapError(settle.KindUnknown, "initialize session store", err)
	}

	ttl := cfg.BalanceTTL
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	lockHeld := cfg.LockHeld
	if lockHeld == nil {
		lockHeld = func() bool { return false }
	}
	return &Store{
		db:       db,
		account:  cfg.Account,
		source:   cfg.Source,
		lockHeld: lockHeld,
		ttl:      ttl,
		log:      cfg.Logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Credential returns the stored signing credential, if one is enrolled.
func (s *Store) Credential() (settle.CredentialHandle, bool) {
	var handle settle.CredentialHandle
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCredential).Get(keyHandle)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &handle); err != nil {
			s.log.Warn().Err(err).Msg("stored credential is unreadable")
			return nil
		}
		found = handle.Valid()
		return nil
	})
	return handle, found
}

// SaveCredential stores the enrolled credential, replacing any previous one.
func (s *Store) SaveCredential(handle settle.CredentialHandle) error {
	if !handle.Valid() {
		return settle.NewError(settle.KindValidation, "refusing to store an incomplete credential")
	}
	raw, err := json.Marshal(handle)
	if err != nil {
		return settle.WrapError(settle.KindUnknown, "encode credential", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredential).Put(keyHandle, raw)
	})
	if err != nil {
		return settle.WrapError(settle.KindUnknown, "store credential", err)
	}
	return nil
}

// InvalidateCredential removes the stored credential. It is only called on
// an explicit user decision to re-enroll; stale-credential signing failures
// surface to the user instead of triggering this.
func (s *Store) InvalidateCredential() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredential).Delete(keyHandle)
	})
	if err != nil {
		return settle.WrapError(settle.KindUnknown, "remove credential", err)
	}
	s.log.Info().Msg("credential removed from session store")
	return nil
}

// CachedBalance returns the cached balance for asset if one exists and is
// fresh enough to trust.
func (s *Store) CachedBalance(asset string) (decimal.Decimal, bool) {
	var rec balanceRecord
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBalances).Get([]byte(asset))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found || time.Since(rec.FetchedAt) > s.ttl {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

// Balances returns a snapshot of every cached balance, fresh or stale.
// Read-only; intended for status surfaces, not pre-flight checks.
func (s *Store) Balances() []settle.BalanceSnapshot {
	var out []settle.BalanceSnapshot
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalances).ForEach(func(k, v []byte) error {
			var rec balanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			amount, err := decimal.NewFromString(rec.Amount)
			if err != nil {
				return nil
			}
			out = append(out, settle.BalanceSnapshot{
				Account:   s.account,
				Asset:     string(k),
				Amount:    amount,
				UpdatedAt: rec.FetchedAt,
			})
			return nil
		})
	})
	return out
}

// RefreshBalance reads a fresh balance for asset and caches it. Concurrent
// refreshes for the same asset collapse into one read. The refresh is
// skipped while a transaction holds the lock.
func (s *Store) RefreshBalance(ctx context.Context, asset string) error {
	if s.lockHeld() {
		s.log.Debug().Str("asset", asset).Msg("balance refresh skipped while transaction in flight")
		return nil
	}
	if s.source == nil {
		return settle.NewError(settle.KindValidation, "session store has no balance source")
	}

	// Errors pass through with their origin classification intact.
	_, err, _ := s.refresh.Do(asset, func() (interface{}, error) {
		amount, err := s.source.AccountBalance(ctx, s.account, asset)
		if err != nil {
			return nil, err
		}
		return nil, s.putBalance(asset, amount)
	})
	return err
}

func (s *Store) putBalance(asset string, amount decimal.Decimal) error {
	raw, err := json.Marshal(balanceRecord{
		Amount:    amount.String(),
		FetchedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalances).Put([]byte(asset), raw)
	})
}
