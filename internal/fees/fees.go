// Package fees turns a bid amount and a tiered fee configuration into the
// platform fee and the transporter's net earning.
package fees

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/models"
)

var (
	ErrInvalidAmount   = errors.New("fees: bid amount must be a positive finite number")
	ErrInvalidConfig   = errors.New("fees: invalid fee configuration")
	// ErrBelowMinimumFee means a live fee would exceed the bid itself.
	ErrBelowMinimumFee = errors.New("fees: bid does not cover the platform fee")
)

const currencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Fee is the outcome of a single fee computation.
type Fee struct {
	PlatformFeePercent decimal.Decimal `json:"platform_fee_percent"`
	PlatformFee        decimal.Decimal `json:"platform_fee"`
	TransporterEarning decimal.Decimal `json:"transporter_earning"`
}

// Compute rounds bidAmount to cents, picks the tier with the largest
// threshold not above it (basePercent when none applies), clamps the fee to
// [MinFee, MaxFee] and rounds half-up to two places. Fee plus earning is
// always exactly the rounded price.
func Compute(bidAmount decimal.Decimal, cfg models.FeeConfig) (Fee, error) {
	price := bidAmount.Round(currencyPlaces)
	if !price.IsPositive() {
		return Fee{}, fmt.Errorf("%w: got %s", ErrInvalidAmount, bidAmount)
	}
	if err := ValidateConfig(cfg); err != nil {
		return Fee{}, err
	}

	percent := SelectPercent(price, cfg)
	fee := price.Mul(percent).Div(hundred)
	if fee.LessThan(cfg.MinFee) {
		fee = cfg.MinFee
	}
	if fee.GreaterThan(cfg.MaxFee) {
		fee = cfg.MaxFee
	}
	fee = fee.Round(currencyPlaces)

	return Fee{
		PlatformFeePercent: percent,
		PlatformFee:        fee,
		TransporterEarning: price.Sub(fee),
	}, nil
}

// SelectPercent returns the percent of the highest tier whose threshold is
// <= amount, falling back to the base percent.
func SelectPercent(amount decimal.Decimal, cfg models.FeeConfig) decimal.Decimal {
	tiers := make([]models.FeeTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Amount.GreaterThan(tiers[j].Amount) })
	for _, t := range tiers {
		if amount.GreaterThanOrEqual(t.Amount) {
			return t.Percent
		}
	}
	return cfg.BasePercent
}

// Apply computes the would-be fee and, depending on the commission mode,
// the fee actually charged. Shadow values are always populated.
func Apply(bidAmount decimal.Decimal, s models.PlatformSettings, lockedAt time.Time) (models.LoadFinancials, error) {
	shadow, err := Compute(bidAmount, s.Fees)
	if err != nil {
		return models.LoadFinancials{}, err
	}
	fin := models.LoadFinancials{
		FinalPrice:               shadow.PlatformFee.Add(shadow.TransporterEarning),
		ShadowPlatformFee:        shadow.PlatformFee,
		ShadowPlatformFeePercent: shadow.PlatformFeePercent,
		LockedAt:                 lockedAt,
	}
	if s.CommissionLive() {
		if shadow.TransporterEarning.IsNegative() {
			return models.LoadFinancials{}, fmt.Errorf("%w: fee %s on bid %s", ErrBelowMinimumFee, shadow.PlatformFee, fin.FinalPrice)
		}
		fin.PlatformFee = shadow.PlatformFee
		fin.PlatformFeePercent = shadow.PlatformFeePercent
		fin.TransporterEarning = shadow.TransporterEarning
	} else {
		fin.PlatformFee = decimal.Zero
		fin.PlatformFeePercent = decimal.Zero
		fin.TransporterEarning = fin.FinalPrice
	}
	return fin, nil
}

// ValidateConfig rejects negative values, percents over 100, bounds finer
// than a cent and an inverted clamp.
func ValidateConfig(cfg models.FeeConfig) error {
	if cfg.MinFee.IsNegative() || cfg.MaxFee.IsNegative() {
		return fmt.Errorf("%w: fee bounds must not be negative", ErrInvalidConfig)
	}
	if !isCents(cfg.MinFee) || !isCents(cfg.MaxFee) {
		return fmt.Errorf("%w: fee bounds must have at most %d decimal places", ErrInvalidConfig, currencyPlaces)
	}
	if cfg.MaxFee.LessThan(cfg.MinFee) {
		return fmt.Errorf("%w: max fee %s below min fee %s", ErrInvalidConfig, cfg.MaxFee, cfg.MinFee)
	}
	if !validPercent(cfg.BasePercent) {
		return fmt.Errorf("%w: base percent %s out of range", ErrInvalidConfig, cfg.BasePercent)
	}
	for i, t := range cfg.Tiers {
		if t.Amount.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative threshold", ErrInvalidConfig, i)
		}
		if !validPercent(t.Percent) {
			return fmt.Errorf("%w: tier %d percent %s out of range", ErrInvalidConfig, i, t.Percent)
		}
	}
	return nil
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

func isCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(currencyPlaces))
}

// AmountFromFloat converts a float input, rejecting NaN, infinities,
// non-positive values and fractions of a cent.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return decimal.Zero, fmt.Errorf("%w: got %v", ErrInvalidAmount, f)
	}
	d := decimal.NewFromFloat(f)
	if !isCents(d) {
		return decimal.Zero, fmt.Errorf("%w: %v has more than %d decimal places", ErrInvalidAmount, f, currencyPlaces)
	}
	return d, nil
}

// CoversFee reports whether a live fee under s leaves a non-negative
// earning on amount. Outside live commission every positive amount does.
func CoversFee(amount decimal.Decimal, s models.PlatformSettings) bool {
	return !s.CommissionLive() || amount.Round(currencyPlaces).GreaterThanOrEqual(s.Fees.MinFee)
}
