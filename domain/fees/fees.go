// Package fees computes the marketplace's three fee types from a
// configurable schedule: base commission, verification surcharge, and
// storage surcharge. All amounts round half-up to two decimals.
package fees

import (
	"math"

	"github.com/lreardon/agent-repository/infrastructure/config"
)

// Engine computes fee amounts from a fee schedule.
type Engine struct {
	schedule config.FeeSchedule
}

// New constructs a fee Engine bound to schedule.
func New(schedule config.FeeSchedule) *Engine {
	return &Engine{schedule: schedule}
}

// BaseFeeShares splits the base marketplace commission between client and
// seller. clientShare + sellerShare together equal the total commission
// taken from agreedPrice.
func (e *Engine) BaseFeeShares(agreedPrice float64) (clientShare, sellerShare float64) {
	total := roundHalfUp(agreedPrice * e.schedule.BasePercent)
	clientShare = roundHalfUp(total * e.schedule.ClientShare)
	sellerShare = roundHalfUp(total - clientShare)
	return clientShare, sellerShare
}

// VerificationFee charges the greater of a fixed minimum and a per-CPU-second
// rate, regardless of the verification outcome — this deters gaming the
// runner with repeated expensive scripts.
func (e *Engine) VerificationFee(cpuSeconds float64) float64 {
	rate := roundHalfUp(cpuSeconds * e.schedule.VerifyPerCPUSecond)
	return math.Max(e.schedule.VerifyMin, rate)
}

// StorageFee charges the greater of a fixed minimum and a per-kilobyte
// rate on the deliverable size, rounding bytes up to the next whole KB.
func (e *Engine) StorageFee(bytes int64) float64 {
	kb := math.Ceil(float64(bytes) / 1024)
	rate := roundHalfUp(kb * e.schedule.StoragePerKB)
	return math.Max(e.schedule.StorageMin, rate)
}

// roundHalfUp rounds to two decimal places, rounding .005 up rather than
// to even, the convention this core's monetary amounts use.
func roundHalfUp(amount float64) float64 {
	return math.Floor(amount*100+0.5) / 100
}
