package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
)

var (
	ErrAmountOverflow  = errors.New("amount: overflow")
	ErrAmountUnderflow = errors.New("amount: underflow")
	ErrInvalidAmount   = errors.New("amount: invalid decimal")
	ErrDivisionByZero  = errors.New("amount: division by zero")
)

// AmountBits bounds every stored amount to an unsigned 128-bit value.
const AmountBits = 128

var maxAmount = func() uint256.Int {
	var z uint256.Int
	z.Lsh(uint256.NewInt(1), AmountBits)
	z.Sub(&z, uint256.NewInt(1))
	return z
}()

// Amount is a non-negative integer below 2^128. Arithmetic runs on a 256-bit
// word so products of two amounts never wrap before being checked.
type Amount struct {
	n uint256.Int
}

func NewAmount(v uint64) Amount {
	var a Amount
	a.n.SetUint64(v)
	return a
}

func MaxAmount() Amount {
	return Amount{n: maxAmount}
}

// ParseAmount reads a base-10 string such as "100".
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if s == "" {
		return a, ErrInvalidAmount
	}
	if err := a.n.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if a.n.BitLen() > AmountBits {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}
	return a, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBytes decodes a big-endian representation written by Bytes.
func AmountFromBytes(b []byte) (Amount, error) {
	if len(b) > AmountBits/8 {
		return Amount{}, ErrAmountOverflow
	}
	var a Amount
	a.n.SetBytes(b)
	return a, nil
}

func (a Amount) Bytes() []byte {
	return a.n.Bytes()
}

func (a Amount) IsZero() bool {
	return a.n.IsZero()
}

func (a Amount) Cmp(b Amount) int {
	return a.n.Cmp(&b.n)
}

func (a Amount) LessThan(b Amount) bool {
	return a.n.Lt(&b.n)
}

func (a Amount) Equal(b Amount) bool {
	return a.n.Eq(&b.n)
}

func (a Amount) Add(b Amount) (Amount, error) {
	var r Amount
	if _, overflow := r.n.AddOverflow(&a.n, &b.n); overflow || r.n.BitLen() > AmountBits {
		return Amount{}, ErrAmountOverflow
	}
	return r, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	var r Amount
	if _, underflow := r.n.SubOverflow(&a.n, &b.n); underflow {
		return Amount{}, ErrAmountUnderflow
	}
	return r, nil
}

// MulRatio returns a × ratio exactly.
func (a Amount) MulRatio(ratio uint32) (Amount, error) {
	var r Amount
	r.n.Mul(&a.n, uint256.NewInt(uint64(ratio)))
	if r.n.BitLen() > AmountBits {
		return Amount{}, ErrAmountOverflow
	}
	return r, nil
}

// DivRatio returns floor(a / ratio). A zero ratio yields zero.
func (a Amount) DivRatio(ratio uint32) Amount {
	var r Amount
	r.n.Div(&a.n, uint256.NewInt(uint64(ratio)))
	return r
}

// MulDiv returns floor(a × num / den) with a 256-bit intermediate product.
// Both operands are below 2^128, so the product always fits.
func (a Amount) MulDiv(num, den Amount) (Amount, error) {
	if den.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	var r Amount
	if _, overflow := r.n.MulDivOverflow(&a.n, &num.n, &den.n); overflow || r.n.BitLen() > AmountBits {
		return Amount{}, ErrAmountOverflow
	}
	return r, nil
}

func (a Amount) String() string {
	return a.n.Dec()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.n.Dec())
}

// UnmarshalJSON accepts the decimal string form and, for convenience, bare
// JSON integers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		if _, err := strconv.ParseUint(string(data), 10, 64); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
		}
		s = string(data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.n.Dec()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
