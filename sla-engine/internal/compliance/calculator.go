// Package compliance computes the SLA status of a work item sitting in a stage.
package compliance

import (
	"math"
	"time"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

const DefaultWarningThresholdPercent = 75.0

type Input struct {
	InstanceID     string
	StageID        string
	StageName      string
	StageEnteredAt time.Time
	// Now is the evaluation time. Pass the stage exit time to backfill a closed stage.
	Now                     time.Time
	TotalSLAHours           *float64
	WarningThresholdPercent float64
}

// Round1 rounds half away from zero to one decimal. Every hour and percentage
// quantity produced by this package goes through it.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Calculate is pure: identical inputs always yield identical output.
func Calculate(in Input) models.SLAComplianceInfo {
	threshold := in.WarningThresholdPercent
	if threshold <= 0 {
		threshold = DefaultWarningThresholdPercent
	}

	elapsed := in.Now.Sub(in.StageEnteredAt)
	if elapsed < 0 {
		elapsed = 0
	}
	hoursUsed := Round1(elapsed.Hours())

	info := models.SLAComplianceInfo{
		InstanceID:              in.InstanceID,
		StageID:                 in.StageID,
		StageName:               in.StageName,
		StageEnteredAt:          in.StageEnteredAt,
		HoursUsed:               hoursUsed,
		WarningThresholdPercent: threshold,
	}

	if in.TotalSLAHours == nil || *in.TotalSLAHours <= 0 {
		info.Status = models.StatusNotApplicable
		return info
	}

	total := *in.TotalSLAHours
	due := in.StageEnteredAt.Add(time.Duration(total * float64(time.Hour)))
	pct := Round1(hoursUsed / total * 100)
	info.TotalSLAHours = float64Ptr(total)
	info.SLADueAt = &due
	info.PercentageUsed = float64Ptr(pct)
	info.IsOverdue = hoursUsed > total
	if info.IsOverdue {
		info.HoursBreach = float64Ptr(Round1(hoursUsed - total))
	}

	switch {
	case pct >= 100:
		info.Status = models.StatusBreached
	case pct >= threshold:
		info.Status = models.StatusWarning
		info.IsWarning = true
		info.HoursRemaining = float64Ptr(Round1(total - hoursUsed))
	default:
		info.Status = models.StatusCompliant
		info.HoursRemaining = float64Ptr(Round1(total - hoursUsed))
	}
	return info
}

func float64Ptr(v float64) *float64 { return &v }
