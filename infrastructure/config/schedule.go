package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeeSchedule is the configurable fee-engine rate table: a base commission
// percentage split between client and seller, plus verification and
// storage surcharge rates.
type FeeSchedule struct {
	BasePercent           float64 `yaml:"base_percent"`
	ClientShare           float64 `yaml:"client_share"`
	SellerShare           float64 `yaml:"seller_share"`
	VerifyPerCPUSecond    float64 `yaml:"verify_per_cpu_second"`
	VerifyMin             float64 `yaml:"verify_min"`
	StoragePerKB          float64 `yaml:"storage_per_kb"`
	StorageMin            float64 `yaml:"storage_min"`
}

// DefaultFeeSchedule is the fee schedule applied when no YAML override is
// present: a 1% base commission split evenly between client and seller.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BasePercent:        0.01,
		ClientShare:        0.5,
		SellerShare:        0.5,
		VerifyPerCPUSecond: 0.01,
		VerifyMin:          0.05,
		StoragePerKB:       0.001,
		StorageMin:         0.01,
	}
}

// RateLimitRule mirrors ratelimit.Rule for YAML decoding without this
// package importing the ratelimit package.
type RateLimitRule struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerMinute float64 `yaml:"refill_per_minute"`
}

// Schedule is the full operator-tunable document: fee rates plus the
// rate-limit category table.
type Schedule struct {
	Fees       FeeSchedule              `yaml:"fees"`
	RateLimits map[string]RateLimitRule `yaml:"rate_limits"`
}

// LoadSchedule reads the fee/rate-limit schedule from path. A missing file
// is not an error: operators who don't need to retune anything get the
// built-in defaults.
func LoadSchedule(path string) (Schedule, error) {
	schedule := Schedule{Fees: DefaultFeeSchedule()}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schedule, nil
		}
		return schedule, fmt.Errorf("read schedule file: %w", err)
	}

	if err := yaml.Unmarshal(raw, &schedule); err != nil {
		return schedule, fmt.Errorf("parse schedule file: %w", err)
	}
	if schedule.Fees == (FeeSchedule{}) {
		schedule.Fees = DefaultFeeSchedule()
	}
	return schedule, nil
}
