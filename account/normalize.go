package account

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrNegativeAmount is returned when a monetary amount is below zero.
	ErrNegativeAmount = errors.New("account: negative amount")

	// ErrInvalidCurrency is returned when the currency is not a three-letter
	// ISO-4217 code.
	ErrInvalidCurrency = errors.New("account: invalid currency code")
)

// NormalizeAmount parses a decimal amount string, rejects negatives, and
// rescales it to two decimal places rounding half up.
func NormalizeAmount(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("account: empty amount")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return "", fmt.Errorf("account: malformed amount %q", raw)
	}
	if rat.Sign() < 0 {
		return "", ErrNegativeAmount
	}
	// scale to cents, round half up
	cents := new(big.Rat).Mul(rat, big.NewRat(100, 1))
	num := new(big.Int).Set(cents.Num())
	den := cents.Denom()
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(rem, big.NewInt(2)).Cmp(den) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	whole, frac := new(big.Int).QuoRem(quo, big.NewInt(100), new(big.Int))
	return fmt.Sprintf("%s.%02d", whole.String(), frac.Int64()), nil
}

// NormalizeCurrency uppercases and validates an ISO-4217 currency code.
func NormalizeCurrency(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return code, nil
}

// NormalizeBalance applies the normalization rules to every monetary field.
func NormalizeBalance(b Balance) (Balance, error) {
	var err error
	if b.AvailableAmount, err = NormalizeAmount(b.AvailableAmount); err != nil {
		return Balance{}, fmt.Errorf("availableAmount: %w", err)
	}
	if b.BlockedAmount, err = NormalizeAmount(b.BlockedAmount); err != nil {
		return Balance{}, fmt.Errorf("blockedAmount: %w", err)
	}
	if b.AutoInvestedAmount, err = NormalizeAmount(b.AutoInvestedAmount); err != nil {
		return Balance{}, fmt.Errorf("automaticallyInvestedAmount: %w", err)
	}
	if b.Currency, err = NormalizeCurrency(b.Currency); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// NormalizeTransaction applies the normalization rules to a transaction.
func NormalizeTransaction(tx Transaction) (Transaction, error) {
	var err error
	if tx.ExternalTransactionID = strings.TrimSpace(tx.ExternalTransactionID); tx.ExternalTransactionID == "" {
		return Transaction{}, fmt.Errorf("account: transaction id required")
	}
	if tx.Amount, err = NormalizeAmount(tx.Amount); err != nil {
		return Transaction{}, err
	}
	if tx.Currency, err = NormalizeCurrency(tx.Currency); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}
