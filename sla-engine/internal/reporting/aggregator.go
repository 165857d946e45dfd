// Package reporting summarizes closed-out SLA history records.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/compliance"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	SortByStageExitedAt  = "stageExitedAt"
	SortByHoursUsed      = "hoursUsed"
	SortByPercentageUsed = "percentageUsed"
)

var ErrInvalidFilter = errors.New("invalid metrics filter")

type Filter struct {
	TenantID   string
	TemplateID string
	InstanceID string
	From       *time.Time
	To         *time.Time
	SortBy     string
	// SortOrder is "asc" or "desc" (default).
	SortOrder string
	Page      int
	PageSize  int
}

type Aggregator struct {
	history store.HistoryStore
}

func NewAggregator(history store.HistoryStore) *Aggregator {
	return &Aggregator{history: history}
}

// Query returns one page of the matching records plus summary figures over
// all of them. NotApplicable records are listed but excluded from the
// status counts, the compliance rate and the average time in stage.
func (a *Aggregator) Query(ctx context.Context, f Filter) (models.SLAMetrics, error) {
	f, err := normalize(f)
	if err != nil {
		return models.SLAMetrics{}, err
	}
	records, err := a.history.ListHistory(ctx, store.HistoryFilter{
		TenantID:   f.TenantID,
		TemplateID: f.TemplateID,
		InstanceID: f.InstanceID,
		From:       f.From,
		To:         f.To,
	})
	if err != nil {
		return models.SLAMetrics{}, fmt.Errorf("list sla history: %w", err)
	}

	out := Summarize(records)
	sortRecords(records, f.SortBy, f.SortOrder == "asc")
	out.Page = f.Page
	out.PageSize = f.PageSize
	out.Records = paginate(records, f.Page, f.PageSize)
	return out, nil
}

func normalize(f Filter) (Filter, error) {
	if f.TenantID == "" {
		return f, fmt.Errorf("tenant id is required: %w", ErrInvalidFilter)
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return f, fmt.Errorf("from must be before to: %w", ErrInvalidFilter)
	}
	switch f.SortBy {
	case "":
		f.SortBy = SortByStageExitedAt
	case SortByStageExitedAt, SortByHoursUsed, SortByPercentageUsed:
	default:
		return f, fmt.Errorf("unsupported sortBy %q: %w", f.SortBy, ErrInvalidFilter)
	}
	switch f.SortOrder {
	case "":
		f.SortOrder = "desc"
	case "asc", "desc":
	default:
		return f, fmt.Errorf("unsupported sortOrder %q: %w", f.SortOrder, ErrInvalidFilter)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f, nil
}

// Summarize computes the counts, compliance rate and average time in stage
// of records without paginating them.
func Summarize(records []models.SLAHistoryRecord) models.SLAMetrics {
	out := models.SLAMetrics{TotalRecords: len(records)}
	var hours float64
	for _, r := range records {
		switch r.Status {
		case models.StatusCompliant:
			out.CompliantCount++
		case models.StatusWarning:
			out.WarningCount++
		case models.StatusBreached:
			out.BreachedCount++
		default:
			continue
		}
		hours += r.HoursUsed
	}
	if included := out.CompliantCount + out.WarningCount + out.BreachedCount; included > 0 {
		out.ComplianceRate = compliance.Round1(float64(out.CompliantCount) / float64(included) * 100)
		out.AverageTimeInStage = compliance.Round1(hours / float64(included))
	}
	return out
}

func sortRecords(records []models.SLAHistoryRecord, by string, asc bool) {
	compare := func(a, b models.SLAHistoryRecord) int {
		switch by {
		case SortByHoursUsed:
			return compareFloat(a.HoursUsed, b.HoursUsed)
		case SortByPercentageUsed:
			return compareFloat(pct(a), pct(b))
		}
		return a.StageExitedAt.Compare(b.StageExitedAt)
	}
	sort.SliceStable(records, func(i, j int) bool {
		c := compare(records[i], records[j])
		if c == 0 {
			return records[i].ID < records[j].ID
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
}

// pct orders records without a percentage before every record with one.
func pct(r models.SLAHistoryRecord) float64 {
	if r.PercentageUsed == nil {
		return -1
	}
	return *r.PercentageUsed
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func paginate(records []models.SLAHistoryRecord, page, size int) []models.SLAHistoryRecord {
	// Compare in page units first; (page-1)*size overflows for huge pages.
	if page-1 >= (len(records)+size-1)/size {
		return []models.SLAHistoryRecord{}
	}
	start := (page - 1) * size
	end := start + size
	if end > len(records) {
		end = len(records)
	}
	return records[start:end]
}
