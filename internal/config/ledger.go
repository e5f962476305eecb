package config

import (
	"time"

	"github.com/spf13/viper"
)

// LedgerConfig carries the tunables of the credit ledger: fees, lock bounds,
// request rate limiting, and the loan sweep cadence.
type LedgerConfig struct {
	TreasuryUserID     string
	CashOutFeePercent  float64
	CashOutFeeFixed    int64
	LoanFeePercent     float64
	LockTimeout        time.Duration
	MaxRequestsPerUser int
	RateLimitWindow    time.Duration
	SweepInterval      time.Duration
	SweepLockTTL       time.Duration
	PollInterval       time.Duration
}

// LoadLedgerConfig returns ledger configuration with defaults.
func LoadLedgerConfig() *LedgerConfig {
	viper.SetDefault("ledger.treasury_user_id", "treasury")
	viper.SetDefault("ledger.cash_out_fee_percent", 1.0)
	viper.SetDefault("ledger.cash_out_fee_fixed", 10)
	viper.SetDefault("ledger.loan_fee_percent", 0.5)
	viper.SetDefault("ledger.lock_timeout", 3*time.Second)
	viper.SetDefault("ledger.max_requests_per_user", 5)
	viper.SetDefault("ledger.rate_limit_window", time.Hour)
	viper.SetDefault("ledger.sweep_interval", time.Hour)
	viper.SetDefault("ledger.sweep_lock_ttl", 5*time.Minute)
	viper.SetDefault("ledger.poll_interval", 15*time.Second)

	return &LedgerConfig{
		TreasuryUserID:     viper.GetString("ledger.treasury_user_id"),
		CashOutFeePercent:  viper.GetFloat64("ledger.cash_out_fee_percent"),
		CashOutFeeFixed:    viper.GetInt64("ledger.cash_out_fee_fixed"),
		LoanFeePercent:     viper.GetFloat64("ledger.loan_fee_percent"),
		LockTimeout:        viper.GetDuration("ledger.lock_timeout"),
		MaxRequestsPerUser: viper.GetInt("ledger.max_requests_per_user"),
		RateLimitWindow:    viper.GetDuration("ledger.rate_limit_window"),
		SweepInterval:      viper.GetDuration("ledger.sweep_interval"),
		SweepLockTTL:       viper.GetDuration("ledger.sweep_lock_ttl"),
		PollInterval:       viper.GetDuration("ledger.poll_interval"),
	}
}

// CashOutFee computes the fee withheld from an externally-paid cash-out.
// Fees are computed once at request creation and floored to whole units.
func (c *LedgerConfig) CashOutFee(amount int64) int64 {
	fee := int64(float64(amount) * c.CashOutFeePercent / 100)
	return fee + c.CashOutFeeFixed
}

// LoanProcessingFee computes the fee withheld from a loan's total repayment.
func (c *LedgerConfig) LoanProcessingFee(principal int64) int64 {
	return int64(float64(principal) * c.LoanFeePercent / 100)
}
