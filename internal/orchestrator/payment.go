package orchestrator

import "meshcast/internal/models"

// basePaymentMinorUnits is the per-segment base rate of 0.002 expressed in the
// ledger's 1e-5 minor units.
const basePaymentMinorUnits = 200

// renditionMultiplierTenths returns the rendition payment multiplier scaled by
// ten so the whole computation stays in integers.
func renditionMultiplierTenths(rendition string) int64 {
	switch rendition {
	case "1080p":
		return 20
	case "720p":
		return 15
	case "480p":
		return 12
	default:
		return 10
	}
}

// PaymentFor computes the settlement amount for one job: the base rate scaled
// by the rendition multiplier, paid in full for completed work and at a tenth
// of the rate for failed attempts. The result is exact at five decimal places.
func PaymentFor(rendition string, status models.JobStatus) models.Money {
	bonusTenths := int64(1)
	if status == models.JobCompleted {
		bonusTenths = 10
	}
	minor := basePaymentMinorUnits * renditionMultiplierTenths(rendition) * bonusTenths / 100
	return models.NewMoneyFromMinorUnits(minor)
}
