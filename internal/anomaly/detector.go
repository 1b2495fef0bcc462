package anomaly

import (
	"fmt"
)

// Detector flags payments that look wrong against a user's payment history.
// Flagged payments are still settled; the flag feeds logging and downstream
// review, never the ledger.
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new payment anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// CheckAmount checks a settlement amount against the user's previous payments
func (d *Detector) CheckAmount(amount float64, previousAmounts []float64) (bool, string) {
	// Check for negative values
	if amount < 0 {
		return true, "negative payment amount"
	}

	// Need enough payment history for spike detection
	if len(previousAmounts) < d.minDataPointsForDetection {
		return false, ""
	}

	// Calculate rolling average
	sum := 0.0
	for _, v := range previousAmounts {
		sum += v
	}
	average := sum / float64(len(previousAmounts))

	// Detect sudden spike (>threshold x rolling average)
	if average > 0 && amount > d.spikeThreshold*average {
		return true, fmt.Sprintf("payment spike detected: amount %.2f exceeds %.1fx rolling average %.2f",
			amount, d.spikeThreshold, average)
	}

	return false, ""
}
