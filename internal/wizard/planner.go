package wizard

// planner.go sizes import batches.
//
// Nothing here is measured. Throughput and the recommendation tiers are
// tunable policy carried in a Planner value so deployments can recalibrate
// them from configuration. The one hard rule is that recommendations never
// decrease as the row count grows.

import (
	"errors"
	"fmt"
	"math"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

// DefaultRowsPerSecond is the assumed Import Service throughput.
const DefaultRowsPerSecond = 50

// Tier recommends BatchSize for files with fewer than Below rows.
type Tier struct {
	Below     int `json:"below"`
	BatchSize int `json:"batch_size"`
}

// Planner estimates processing time and recommends batch sizes.
type Planner struct {
	RowsPerSecond float64

	// Files with at most SmallFileRows rows are imported in a single batch
	// of at most SmallFileRows.
	SmallFileRows int

	// Tiers are checked in order; the first with Below > totalRows applies.
	Tiers []Tier

	// MaxRecommended applies when no tier matches.
	MaxRecommended int

	// LongRunningMinutes triggers the background-processing recommendation.
	LongRunningMinutes float64
}

// DefaultPlanner returns the stock tiers: up to 1,000 rows in one batch,
// then 2,000 below 10,000 rows, 5,000 below 50,000, and 10,000 beyond.
func DefaultPlanner() Planner {
	return Planner{
		RowsPerSecond:      DefaultRowsPerSecond,
		SmallFileRows:      1000,
		Tiers:              []Tier{{Below: 10000, BatchSize: 2000}, {Below: 50000, BatchSize: 5000}},
		MaxRecommended:     10000,
		LongRunningMinutes: 30,
	}
}

// Validate checks that the tiers are ascending and the recommendation is
// monotonic in the row count.
func (p Planner) Validate() error {
	var errs []error
	if p.RowsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rows per second must be positive, got %v", p.RowsPerSecond))
	}
	if p.SmallFileRows <= 0 {
		errs = append(errs, fmt.Errorf("small file rows must be positive, got %d", p.SmallFileRows))
	}

	prevBelow, prevSize := p.SmallFileRows, p.SmallFileRows
	for i, t := range p.Tiers {
		if t.Below <= prevBelow {
			errs = append(errs, fmt.Errorf("tier %d: threshold %d must exceed %d", i, t.Below, prevBelow))
		}
		if t.BatchSize < prevSize {
			errs = append(errs, fmt.Errorf("tier %d: batch size %d is smaller than the previous tier's %d", i, t.BatchSize, prevSize))
		}
		prevBelow, prevSize = t.Below, t.BatchSize
	}
	if p.MaxRecommended < prevSize {
		errs = append(errs, fmt.Errorf("max recommended batch size %d is smaller than the last tier's %d", p.MaxRecommended, prevSize))
	}
	return errors.Join(errs...)
}

// Estimate is the planner's output for one file.
type Estimate struct {
	TotalRows            int     `json:"total_rows"`
	BatchSize            int     `json:"batch_size"`
	EstimatedBatches     int     `json:"estimated_batches"`
	EstimatedMinutes     float64 `json:"estimated_minutes"`
	RecommendedBatchSize int     `json:"recommended_batch_size"`
}

// RecommendBatchSize is a non-decreasing step function of totalRows. It never
// returns less than 1.
func (p Planner) RecommendBatchSize(totalRows int) int {
	if totalRows <= p.SmallFileRows {
		return max(1, min(p.SmallFileRows, totalRows))
	}
	for _, t := range p.Tiers {
		if totalRows < t.Below {
			return t.BatchSize
		}
	}
	return p.MaxRecommended
}

// EstimateProcessingTime computes the batch count and duration for a file.
// A non-positive batchSize is replaced by the recommendation.
func (p Planner) EstimateProcessingTime(totalRows, batchSize int) Estimate {
	totalRows = max(totalRows, 0)
	rec := p.RecommendBatchSize(totalRows)
	if batchSize <= 0 {
		batchSize = rec
	}

	rps := p.RowsPerSecond
	if rps <= 0 {
		rps = DefaultRowsPerSecond
	}
	minutes := float64(totalRows) / rps / 60

	return Estimate{
		TotalRows:            totalRows,
		BatchSize:            batchSize,
		EstimatedBatches:     (totalRows + batchSize - 1) / batchSize,
		EstimatedMinutes:     math.Ceil(minutes*10) / 10,
		RecommendedBatchSize: rec,
	}
}

// BatchValidation is advisory output for a chosen batch size.
type BatchValidation struct {
	IsValid         bool     `json:"is_valid"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
	Estimate        Estimate `json:"estimate"`
}

// ValidateBatchConfig checks batchSize against the service bounds.
// It is valid iff bounds.Min <= batchSize <= bounds.Max; everything else is
// advice.
func (p Planner) ValidateBatchConfig(batchSize, totalRows int, bounds importsvc.BatchBounds) BatchValidation {
	v := BatchValidation{
		IsValid:         true,
		Warnings:        []string{},
		Recommendations: []string{},
	}

	if batchSize < bounds.Min {
		v.IsValid = false
		v.Warnings = append(v.Warnings, fmt.Sprintf("Batch size %d is below the minimum of %d", batchSize, bounds.Min))
	}
	if batchSize > bounds.Max {
		v.IsValid = false
		v.Warnings = append(v.Warnings, fmt.Sprintf("Batch size %d is above the maximum of %d", batchSize, bounds.Max))
	}

	est := p.EstimateProcessingTime(totalRows, batchSize)
	v.Estimate = est

	if batchSize != est.RecommendedBatchSize {
		v.Recommendations = append(v.Recommendations,
			fmt.Sprintf("A batch size of %d is recommended for %d rows", est.RecommendedBatchSize, est.TotalRows))
	}

	limit := p.LongRunningMinutes
	if limit <= 0 {
		limit = 30
	}
	if est.EstimatedMinutes > limit {
		v.Recommendations = append(v.Recommendations,
			fmt.Sprintf("Estimated processing time is %.1f minutes; consider running the import in the background or splitting the file", est.EstimatedMinutes))
	}

	return v
}
