// Package core holds the shared infrastructure every cash-wire component
// depends on: the monetary type, clock, id generator, user directory,
// notification sink, and the domain error taxonomy.
package core

import "github.com/shopspring/decimal"

// Scale is the number of fractional digits every monetary amount is rounded
// to. The core never produces sub-cent balances; Round is available for a
// caller that constructs a Money value directly from an external decimal
// string.
const Scale = 2

// Operational constants fixed by the cash-wire specification.
var (
	MinBalance               = decimal.NewFromFloat(-250.00)
	MaxBalance                = decimal.NewFromFloat(250.00)
	OverdraftWarningThreshold = decimal.NewFromFloat(50.00)
)

const (
	MaxBulkRecipients        = 50
	RequestDefaultExpiryDays = 7
	RequestMaxExpiryDays     = 30
	AuditRetentionDays       = 2555
	SessionTimeoutHours      = 8
	Currency                 = "GBP"
	MaxNoteLength            = 500
	MaxCategoryLength        = 100
)

// Money is a fixed-point decimal amount, scale 2. Binary floating point
// never touches a balance, amount, or any value derived from one.
type Money = decimal.Decimal

// Round rounds m to Scale fractional digits, half away from zero. The
// core's own arithmetic never produces sub-cent results, and its parsing and
// summation paths do not call Round.
func Round(m Money) Money {
	return m.Round(Scale)
}

// Zero is the additive identity for Money.
func Zero() Money {
	return decimal.Zero
}

// IsPositive reports whether m is strictly greater than zero.
func IsPositive(m Money) bool {
	return m.IsPositive()
}
