// Package store persists the raffle in a bbolt database: the latest
// committed round, the bank accounts and an append-only journal of events.
package store

import (
	"encoding/binary"
	"time"

	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	roundBucket    = []byte("round")
	eventsBucket   = []byte("events")
	accountsBucket = []byte("accounts")
	configBucket   = []byte("config")

	latestKey = []byte("latest")
)

// ErrNotFound is returned when nothing has been saved yet.
var ErrNotFound = xerrors.New("not found")

// Store is a raffle.Journal backed by bbolt. Events are keyed by a
// big-endian sequence number so iteration follows insertion order.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %v", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{roundBucket, eventsBucket,
			accountsBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating buckets: %v", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket, key []byte, msg interface{}) error {
	buf, err := protobuf.Encode(msg)
	if err != nil {
		return xerrors.Errorf("couldn't encode: %v", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, buf)
	})
}

func (s *Store) get(bucket, key []byte, msg interface{}) error {
	var buf []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		buf = make([]byte, len(v))
		copy(buf, v)
		return nil
	})
	if err != nil {
		return err
	}
	if err := protobuf.Decode(buf, msg); err != nil {
		return xerrors.Errorf("couldn't decode: %v", err)
	}
	return nil
}

// Commit implements raffle.Journal: the round replaces the latest one and the
// events are appended, in one transaction.
func (s *Store) Commit(r *raffle.Round, evs []raffle.Event) error {
	return s.commit(r, evs, nil)
}

// WithAccounts returns a raffle.Journal that also writes the accounts
// returned by accounts in the transaction of every commit, so that a round
// and the balances backing its pool are never persisted apart.
func (s *Store) WithAccounts(accounts func() *Accounts) raffle.Journal {
	return &accountsJournal{s: s, accounts: accounts}
}

type accountsJournal struct {
	s        *Store
	accounts func() *Accounts
}

func (j *accountsJournal) Commit(r *raffle.Round, evs []raffle.Event) error {
	return j.s.commit(r, evs, j.accounts())
}

func (s *Store) commit(r *raffle.Round, evs []raffle.Event, accs *Accounts) error {
	round, err := protobuf.Encode(r)
	if err != nil {
		return xerrors.Errorf("couldn't encode round: %v", err)
	}
	encoded := make([][]byte, len(evs))
	for i := range evs {
		encoded[i], err = protobuf.Encode(&evs[i])
		if err != nil {
			return xerrors.Errorf("couldn't encode event: %v", err)
		}
	}
	var accBuf []byte
	if accs != nil {
		accBuf, err = protobuf.Encode(accs)
		if err != nil {
			return xerrors.Errorf("couldn't encode accounts: %v", err)
		}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(roundBucket).Put(latestKey, round); err != nil {
			return err
		}
		b := tx.Bucket(eventsBucket)
		for _, buf := range encoded {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := b.Put(key, buf); err != nil {
				return err
			}
		}
		if accBuf == nil {
			return nil
		}
		return tx.Bucket(accountsBucket).Put(latestKey, accBuf)
	})
}

// LoadRound returns the latest saved round.
func (s *Store) LoadRound() (*raffle.Round, error) {
	r := &raffle.Round{}
	if err := s.get(roundBucket, latestKey, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveConfig stores the configuration the raffle was created with.
func (s *Store) SaveConfig(cfg *raffle.Config) error {
	return s.put(configBucket, latestKey, cfg)
}

// LoadConfig returns the stored configuration.
func (s *Store) LoadConfig() (*raffle.Config, error) {
	cfg := &raffle.Config{}
	if err := s.get(configBucket, latestKey, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Events returns the journal in insertion order.
func (s *Store) Events() ([]raffle.Event, error) {
	var evs []raffle.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(k, v []byte) error {
			ev := raffle.Event{}
			if err := protobuf.Decode(v, &ev); err != nil {
				return xerrors.Errorf("decoding event %x: %v", k, err)
			}
			evs = append(evs, ev)
			return nil
		})
	})
	return evs, err
}

// AccountEntry is a persisted bank account.
type AccountEntry struct {
	Address raffle.Address
	Balance uint64
	Nonce   uint64
}

// Accounts is the persisted form of the bank.
type Accounts struct {
	Escrow  uint64
	Entries []AccountEntry
}

// SaveAccounts replaces the stored accounts.
func (s *Store) SaveAccounts(accs *Accounts) error {
	return s.put(accountsBucket, latestKey, accs)
}

// LoadAccounts returns the stored accounts, or empty accounts if none were
// saved.
func (s *Store) LoadAccounts() (*Accounts, error) {
	accs := &Accounts{}
	err := s.get(accountsBucket, latestKey, accs)
	if xerrors.Is(err, ErrNotFound) {
		log.Lvl3("no accounts stored yet")
		return accs, nil
	}
	if err != nil {
		return nil, err
	}
	return accs, nil
}
