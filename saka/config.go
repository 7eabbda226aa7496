package saka

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason labels why SAKA was earned or spent. It is stored on the
// transaction and drives reward amounts and daily caps.
type Reason string

const (
	ReasonContentRead      Reason = "content_read"
	ReasonPollVote         Reason = "poll_vote"
	ReasonProjectSupport   Reason = "project_support"
	ReasonInviteAccepted   Reason = "invite_accepted"
	ReasonDailyLogin       Reason = "daily_login"
	ReasonManualAdjustment Reason = "manual_adjustment"

	ReasonCompost        Reason = "compost"
	ReasonRedistribution Reason = "silo_redistribution"
)

// Config drives harvest and spend.
type Config struct {
	Enabled bool
	// BaseRewards is the amount granted per reason when the caller does not
	// pass an explicit amount. Reasons missing here earn nothing.
	BaseRewards map[Reason]int64
	// DailyCaps limits EARN transactions per reason per calendar day.
	DailyCaps map[Reason]int
	// ManualPerTransaction and ManualRolling cap manual adjustments.
	ManualPerTransaction int64
	ManualRolling        int64
	ManualWindow         time.Duration
	// Location defines calendar days for the daily caps.
	Location *time.Location
}

// CompostConfig drives the demurrage cycle.
type CompostConfig struct {
	Enabled        bool
	InactivityDays int
	Rate           decimal.Decimal
	MinBalance     int64
	MinAmount      int64
	BatchSize      int
}

// RedistributionConfig drives pool payouts.
type RedistributionConfig struct {
	Enabled bool
	Rate    decimal.Decimal
	// MinActivity is the lifetime harvested amount a wallet needs to share
	// in a redistribution.
	MinActivity int64
	BatchSize   int
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		BaseRewards: map[Reason]int64{
			ReasonContentRead:    10,
			ReasonPollVote:       5,
			ReasonProjectSupport: 20,
			ReasonInviteAccepted: 50,
			ReasonDailyLogin:     2,
		},
		DailyCaps: map[Reason]int{
			ReasonContentRead: 3,
			ReasonPollVote:    5,
			ReasonDailyLogin:  1,
		},
		ManualPerTransaction: 500,
		ManualRolling:        1000,
		ManualWindow:         24 * time.Hour,
		Location:             time.UTC,
	}
}

func DefaultCompostConfig() CompostConfig {
	return CompostConfig{
		Enabled:        true,
		InactivityDays: 90,
		Rate:           decimal.RequireFromString("0.10"),
		MinBalance:     50,
		MinAmount:      10,
		BatchSize:      500,
	}
}

func DefaultRedistributionConfig() RedistributionConfig {
	return RedistributionConfig{
		Enabled:     true,
		Rate:        decimal.RequireFromString("0.05"),
		MinActivity: 1,
		BatchSize:   500,
	}
}
