package bank

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PoolPerp/internal/fixed"
)

// ErrTransferFailed marks a payout that could not be delivered to the
// recipient. It is never conflated with economic-state errors: ledger effects
// committed before the payout phase stand, and the amount is parked as held
// funds for a later claim.
var ErrTransferFailed = errors.New("transfer failed")

type balanceKey struct {
	Account uuid.UUID
	Asset   string
}

// Vault tracks account token balances, recipients that structurally cannot
// receive an asset, and held funds from failed payouts.
type Vault struct {
	balances map[balanceKey]fixed.Tokens
	held     map[balanceKey]fixed.Tokens
	blocked  map[balanceKey]bool
}

func NewVault() *Vault {
	return &Vault{
		balances: make(map[balanceKey]fixed.Tokens),
		held:     make(map[balanceKey]fixed.Tokens),
		blocked:  make(map[balanceKey]bool),
	}
}

// Balance returns the delivered balance for an account and asset.
func (v *Vault) Balance(account uuid.UUID, asset string) fixed.Tokens {
	return v.balances[balanceKey{account, asset}]
}

// HeldBalance returns funds parked by failed payouts.
func (v *Vault) HeldBalance(account uuid.UUID, asset string) fixed.Tokens {
	return v.held[balanceKey{account, asset}]
}

// SetBlocked marks or clears a recipient as unable to receive an asset.
func (v *Vault) SetBlocked(account uuid.UUID, asset string, blocked bool) {
	key := balanceKey{account, asset}
	if blocked {
		v.blocked[key] = true
	} else {
		delete(v.blocked, key)
	}
}

// Deposit credits an account unconditionally (collateral posting path).
func (v *Vault) Deposit(account uuid.UUID, asset string, amount fixed.Tokens) error {
	if amount < 0 {
		return fmt.Errorf("negative deposit %d for %s", amount, asset)
	}
	v.balances[balanceKey{account, asset}] += amount
	return nil
}

// Withdraw removes delivered balance, failing if insufficient.
func (v *Vault) Withdraw(account uuid.UUID, asset string, amount fixed.Tokens) error {
	key := balanceKey{account, asset}
	if amount < 0 {
		return fmt.Errorf("negative withdrawal %d for %s", amount, asset)
	}
	if v.balances[key] < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d %s", v.balances[key], amount, asset)
	}
	v.balances[key] -= amount
	return nil
}

// PayOut delivers proceeds to an account. If the recipient cannot receive
// the asset the amount is parked as held funds and ErrTransferFailed is
// returned; the caller's ledger bookkeeping must not be rolled back.
func (v *Vault) PayOut(account uuid.UUID, asset string, amount fixed.Tokens) error {
	if amount <= 0 {
		return nil
	}
	key := balanceKey{account, asset}
	if v.blocked[key] {
		v.held[key] += amount
		return fmt.Errorf("%w: account %s cannot receive %s, %d held for claim",
			ErrTransferFailed, account, asset, amount)
	}
	v.balances[key] += amount
	return nil
}

// ClaimHeldFunds retries delivery of parked funds, in full.
func (v *Vault) ClaimHeldFunds(account uuid.UUID, asset string) (fixed.Tokens, error) {
	key := balanceKey{account, asset}
	amount := v.held[key]
	if amount == 0 {
		return 0, nil
	}
	if v.blocked[key] {
		return 0, fmt.Errorf("%w: account %s still cannot receive %s", ErrTransferFailed, account, asset)
	}
	delete(v.held, key)
	v.balances[key] += amount
	return amount, nil
}
