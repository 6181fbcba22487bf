// Package bank keeps the balances of the raffle participants and of the
// raffle escrow. Entries are debited from a participant into the escrow, and
// prizes are paid from the escrow.
package bank

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/dedis/raffle/raffle"
	"github.com/dedis/raffle/store"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var (
	// ErrInsufficientBalance is returned when an account or the escrow
	// cannot cover a debit.
	ErrInsufficientBalance = xerrors.New("insufficient balance")
	// ErrBadNonce is returned for a debit that is replayed or out of order.
	ErrBadNonce = xerrors.New("bad nonce")
	// ErrOverflow is returned when a credit would wrap a balance.
	ErrOverflow = xerrors.New("balance overflow")
)

// Account is the state of a participant.
type Account struct {
	Balance uint64
	// Nonce is the number of debits, it protects signed entries from being
	// replayed.
	Nonce uint64
}

// Bank is a thread-safe ledger. The zero value is not usable, use New.
type Bank struct {
	sync.Mutex
	accounts map[raffle.Address]*Account
	escrow   uint64
}

// New returns an empty bank.
func New() *Bank {
	return &Bank{accounts: make(map[raffle.Address]*Account)}
}

func (b *Bank) account(a raffle.Address) *Account {
	acc, ok := b.accounts[a]
	if !ok {
		acc = &Account{}
		b.accounts[a] = acc
	}
	return acc
}

// Load rebuilds a bank from persisted accounts.
func Load(accs *store.Accounts) *Bank {
	b := New()
	b.escrow = accs.Escrow
	for _, e := range accs.Entries {
		b.accounts[e.Address] = &Account{Balance: e.Balance, Nonce: e.Nonce}
	}
	return b
}

// Export returns the accounts in a persistable form, sorted by address.
func (b *Bank) Export() *store.Accounts {
	b.Lock()
	defer b.Unlock()
	accs := &store.Accounts{Escrow: b.escrow}
	for a, acc := range b.accounts {
		accs.Entries = append(accs.Entries, store.AccountEntry{
			Address: a,
			Balance: acc.Balance,
			Nonce:   acc.Nonce,
		})
	}
	sort.Slice(accs.Entries, func(i, j int) bool {
		return bytes.Compare(accs.Entries[i].Address[:],
			accs.Entries[j].Address[:]) < 0
	})
	return accs
}

// Deposit credits amount to the account of a.
func (b *Bank) Deposit(a raffle.Address, amount uint64) error {
	b.Lock()
	defer b.Unlock()
	acc := b.account(a)
	if acc.Balance > math.MaxUint64-amount {
		return ErrOverflow
	}
	acc.Balance += amount
	return nil
}

// Balance returns the balance of a.
func (b *Bank) Balance(a raffle.Address) uint64 {
	b.Lock()
	defer b.Unlock()
	if acc, ok := b.accounts[a]; ok {
		return acc.Balance
	}
	return 0
}

// Nonce returns the nonce the next debit of a has to carry.
func (b *Bank) Nonce(a raffle.Address) uint64 {
	b.Lock()
	defer b.Unlock()
	if acc, ok := b.accounts[a]; ok {
		return acc.Nonce
	}
	return 0
}

// Escrow returns the amount held for the raffle.
func (b *Bank) Escrow() uint64 {
	b.Lock()
	defer b.Unlock()
	return b.escrow
}

// Debit moves amount from a into the escrow. The nonce must match the
// account's nonce, which is incremented on success.
func (b *Bank) Debit(a raffle.Address, amount, nonce uint64) error {
	b.Lock()
	defer b.Unlock()
	acc := b.account(a)
	if nonce != acc.Nonce {
		return xerrors.Errorf("got %d, expected %d: %w", nonce, acc.Nonce,
			ErrBadNonce)
	}
	if acc.Balance < amount {
		return xerrors.Errorf("%v has %d, needs %d: %w", a, acc.Balance, amount,
			ErrInsufficientBalance)
	}
	if b.escrow > math.MaxUint64-amount {
		return ErrOverflow
	}
	acc.Balance -= amount
	acc.Nonce++
	b.escrow += amount
	return nil
}

// Credit pays amount from the escrow back to a, undoing a debit. The nonce
// is not restored.
func (b *Bank) Credit(a raffle.Address, amount uint64) error {
	return b.Transfer(a, amount)
}

// Transfer pays amount from the escrow to a. It implements raffle.Transferer.
func (b *Bank) Transfer(to raffle.Address, amount uint64) error {
	b.Lock()
	defer b.Unlock()
	if b.escrow < amount {
		return xerrors.Errorf("escrow holds %d, needs %d: %w", b.escrow, amount,
			ErrInsufficientBalance)
	}
	acc := b.account(to)
	if acc.Balance > math.MaxUint64-amount {
		return ErrOverflow
	}
	b.escrow -= amount
	acc.Balance += amount
	log.Lvl3("transferred", amount, "to", to)
	return nil
}
