package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrAmountOutOfRange is returned for amounts that are negative or do not
// fit in int64 minor units.
var ErrAmountOutOfRange = errors.New("amount out of range")

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// Estimator prices operations from a static table.
type Estimator struct {
	table         Table
	counter       UnitCounter
	buffer        decimal.Decimal
	floor         int64
	fallback      int64
	assumedOutput int64
	decimals      int32
}

// Option configures an Estimator.
type Option func(*Estimator)

func WithSafetyBuffer(buffer decimal.Decimal) Option {
	return func(e *Estimator) {
		if buffer.GreaterThan(decimal.Zero) {
			e.buffer = buffer
		}
	}
}

func WithFloor(minorUnits int64) Option {
	return func(e *Estimator) {
		if minorUnits > 0 {
			e.floor = minorUnits
		}
	}
}

func WithDefaultEstimate(minorUnits int64) Option {
	return func(e *Estimator) {
		if minorUnits > 0 {
			e.fallback = minorUnits
		}
	}
}

func WithAssumedOutputUnits(units int64) Option {
	return func(e *Estimator) {
		if units > 0 {
			e.assumedOutput = units
		}
	}
}

func WithAssetDecimals(decimals int32) Option {
	return func(e *Estimator) {
		e.decimals = decimals
	}
}

// WithUnitCounter replaces the character heuristic, e.g. with a real tokenizer.
func WithUnitCounter(c UnitCounter) Option {
	return func(e *Estimator) {
		if c != nil {
			e.counter = c
		}
	}
}

// NewEstimator creates an Estimator over table.
func NewEstimator(table Table, opts ...Option) *Estimator {
	if table == nil {
		table = DefaultTable()
	}

	e := &Estimator{
		table:         table,
		counter:       HeuristicCounter{CharsPerUnit: 4},
		buffer:        DefaultSafetyBuffer,
		floor:         DefaultFloorMinorUnits,
		fallback:      DefaultEstimateMinorUnits,
		assumedOutput: DefaultAssumedOutputUnits,
		decimals:      DefaultAssetDecimals,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lookup returns the rate for an operation key.
func (e *Estimator) Lookup(operationKey string) (Rate, bool) {
	r, ok := e.table[operationKey]
	return r, ok
}

// IsZeroRated reports whether operationKey is known and free.
func (e *Estimator) IsZeroRated(operationKey string) bool {
	r, ok := e.table[operationKey]
	return ok && r.ZeroRated()
}

// Floor returns the minimum charge for paid operations.
func (e *Estimator) Floor() int64 {
	return e.floor
}

// AssumedOutputUnits returns the output size used for estimates.
func (e *Estimator) AssumedOutputUnits() int64 {
	return e.assumedOutput
}

// CountUnits measures text with the configured counter.
func (e *Estimator) CountUnits(text string) int64 {
	return e.counter.CountUnits(text)
}

// Estimate prices a request before it runs. Unknown operation keys get the
// default estimate, zero-rated ones exactly 0; everything else is buffered
// and floored.
func (e *Estimator) Estimate(operationKey, sizeHint string, assumedOutputUnits int64) int64 {
	rate, ok := e.table[operationKey]
	if !ok {
		return e.applyFloor(e.fallback)
	}
	if rate.ZeroRated() {
		return 0
	}

	raw := e.cost(rate, e.counter.CountUnits(sizeHint), assumedOutputUnits).Mul(e.buffer)
	return e.applyFloor(raw.Ceil().IntPart())
}

// EstimateRequest is Estimate with the configured assumed output size.
func (e *Estimator) EstimateRequest(operationKey, input string) int64 {
	return e.Estimate(operationKey, input, e.assumedOutput)
}

// ActualCost prices a completed call from measured usage. No safety buffer
// is applied.
func (e *Estimator) ActualCost(operationKey string, inputUnits, outputUnits int64) int64 {
	rate, ok := e.table[operationKey]
	if !ok {
		return e.applyFloor(e.fallback)
	}
	if rate.ZeroRated() {
		return 0
	}

	return e.applyFloor(e.cost(rate, inputUnits, outputUnits).Ceil().IntPart())
}

// Display renders minor units as a decimal string in asset units.
func (e *Estimator) Display(minorUnits int64) string {
	return decimal.New(minorUnits, -e.decimals).StringFixed(e.decimals)
}

// ToMinorUnits converts an amount in asset units to minor units, rounding up.
func (e *Estimator) ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(e.decimals).Ceil()
	if minor.IsNegative() || minor.GreaterThan(maxMinorUnits) {
		return 0, ErrAmountOutOfRange
	}
	return minor.IntPart(), nil
}

func (e *Estimator) cost(rate Rate, inputUnits, outputUnits int64) decimal.Decimal {
	in := decimal.NewFromInt(inputUnits).Mul(rate.Input)
	out := decimal.NewFromInt(outputUnits).Mul(rate.Output)
	return in.Add(out).Shift(e.decimals).Div(perMillion)
}

func (e *Estimator) applyFloor(minorUnits int64) int64 {
	if minorUnits < e.floor {
		return e.floor
	}
	return minorUnits
}
