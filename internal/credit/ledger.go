// Package credit holds the user credit contract the engine bills against.
// The engine only ever reserves, settles or releases; it never reads or
// recomputes balances on its own.
package credit

import "sync"

// Ledger is the billing collaborator. Reserve moves amount from available to
// reserved and reports false (with no side effect) when the balance cannot
// cover it. Settle burns a reservation; Release returns it to the available
// balance. The engine calls exactly one of Settle/Release per reservation.
type Ledger interface {
	Reserve(userID string, amount int) bool
	Release(userID string, amount int)
	Settle(userID string, amount int)
}

type Balance struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Settled   int `json:"settled"`
}

// AccountLedger is the in-process implementation backing the server: plain
// per-user counters guarded by one mutex, seeded and adjusted through the
// admin surface.
type AccountLedger struct {
	mu       sync.Mutex
	accounts map[string]*Balance
}

func NewAccountLedger() *AccountLedger {
	return &AccountLedger{accounts: map[string]*Balance{}}
}

func (l *AccountLedger) account(userID string) *Balance {
	acc, ok := l.accounts[userID]
	if !ok {
		acc = &Balance{}
		l.accounts[userID] = acc
	}
	return acc
}

// SetBalance overrides the available balance; reserved credits are not
// touched, so an admin override cannot strand an in-flight reservation.
func (l *AccountLedger) SetBalance(userID string, available int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(userID).Available = available
}

func (l *AccountLedger) BalanceOf(userID string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.account(userID)
}

func (l *AccountLedger) Reserve(userID string, amount int) bool {
	if amount <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(userID)
	if acc.Available < amount {
		return false
	}
	acc.Available -= amount
	acc.Reserved += amount
	return true
}

func (l *AccountLedger) Release(userID string, amount int) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(userID)
	acc.Reserved -= amount
	acc.Available += amount
}

func (l *AccountLedger) Settle(userID string, amount int) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(userID)
	acc.Reserved -= amount
	acc.Settled += amount
}
