package services

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

const (
	anomalyZThreshold = 3.0
	iqrFenceFactor    = 1.5
)

// AnalyticsEngine computes descriptive statistics, anomaly flags and
// time-series overlays over the FULL result set, before pagination
// windows it down.
type AnalyticsEngine interface {
	Analyze(rs *models.ResultSet, plan *models.QueryPlan) (*models.AnalyticsReport, error)
}

type analyticsEngine struct {
	logger *zap.Logger
}

// NewAnalyticsEngine creates an AnalyticsEngine.
func NewAnalyticsEngine(logger *zap.Logger) AnalyticsEngine {
	return &analyticsEngine{logger: logger.Named("analytics")}
}

var _ AnalyticsEngine = (*analyticsEngine)(nil)

func (a *analyticsEngine) Analyze(rs *models.ResultSet, plan *models.QueryPlan) (*models.AnalyticsReport, error) {
	report := &models.AnalyticsReport{
		Columns: make(map[string]models.ColumnStats),
		Metadata: models.AnalyticsMetadata{
			TotalRows:             rs.RowCount,
			ComputedOnFullDataset: true,
		},
	}
	if rs.RowCount == 0 {
		return report, nil
	}

	for _, col := range rs.Columns {
		values, rows := numericColumn(rs.Rows, col.Name)
		if len(values) == 0 {
			continue
		}
		stats := describe(values)
		report.Columns[col.Name] = stats
		report.Anomalies = append(report.Anomalies, findAnomalies(col.Name, values, rows, stats)...)
	}

	// Time-bucketed results get delta and moving-average overlays on the
	// metric column; rows arrive ordered by period.
	if plan.TimeGrain != "" && plan.Metric != "" {
		values, rows := numericColumn(rs.Rows, plan.Metric)
		if len(values) >= 2 {
			report.Series = map[string][]models.SeriesPoint{
				plan.Metric: seriesOverlay(values, rows),
			}
		}
	}

	a.logger.Debug("analytics computed",
		zap.Int("rows", rs.RowCount),
		zap.Int("numeric_columns", len(report.Columns)),
		zap.Int("anomalies", len(report.Anomalies)))
	return report, nil
}

// numericColumn extracts the numeric values of one column together
// with their source row indexes. Non-numeric and NULL cells are
// skipped.
func numericColumn(rows []map[string]any, name string) (values []float64, rowIdx []int) {
	for i, row := range rows {
		v, ok := toFloat(row[name])
		if !ok {
			continue
		}
		values = append(values, v)
		rowIdx = append(rowIdx, i)
	}
	return values, rowIdx
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func describe(values []float64) models.ColumnStats {
	stats := models.ColumnStats{
		Count: len(values),
		Min:   values[0],
		Max:   values[0],
	}

	var sum float64
	for _, v := range values {
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = sum / float64(len(values))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	stats.Median = quantile(sorted, 0.5)

	if len(values) > 1 {
		var ss float64
		for _, v := range values {
			d := v - stats.Mean
			ss += d * d
		}
		stats.StdDev = math.Sqrt(ss / float64(len(values)-1))
	}
	return stats
}

// quantile interpolates linearly over a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// findAnomalies flags values with |z| above the threshold, falling
// back to IQR fences when the distribution is too flat for z-scores.
func findAnomalies(column string, values []float64, rowIdx []int, stats models.ColumnStats) []models.Anomaly {
	if len(values) < 4 {
		return nil
	}

	var out []models.Anomaly
	flagged := make(map[int]bool)

	if stats.StdDev > 0 {
		for i, v := range values {
			z := (v - stats.Mean) / stats.StdDev
			if math.Abs(z) > anomalyZThreshold {
				flagged[rowIdx[i]] = true
				out = append(out, models.Anomaly{
					Column: column,
					Row:    rowIdx[i],
					Value:  v,
					ZScore: z,
					Method: "z_score",
				})
			}
		}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	if iqr == 0 {
		return out
	}
	lower := q1 - iqrFenceFactor*iqr
	upper := q3 + iqrFenceFactor*iqr
	for i, v := range values {
		if flagged[rowIdx[i]] {
			continue
		}
		if v < lower || v > upper {
			out = append(out, models.Anomaly{
				Column: column,
				Row:    rowIdx[i],
				Value:  v,
				Method: "iqr",
			})
		}
	}
	return out
}

// seriesOverlay derives consecutive deltas and 3/7-point trailing
// moving averages for an ordered numeric series.
func seriesOverlay(values []float64, rowIdx []int) []models.SeriesPoint {
	points := make([]models.SeriesPoint, len(values))
	for i := range values {
		points[i].Row = rowIdx[i]
		if i > 0 {
			d := values[i] - values[i-1]
			points[i].Delta = &d
		}
		if ma, ok := trailingMean(values, i, 3); ok {
			points[i].MA3 = &ma
		}
		if ma, ok := trailingMean(values, i, 7); ok {
			points[i].MA7 = &ma
		}
	}
	return points
}

func trailingMean(values []float64, i, window int) (float64, bool) {
	if i+1 < window {
		return 0, false
	}
	var sum float64
	for j := i + 1 - window; j <= i; j++ {
		sum += values[j]
	}
	return sum / float64(window), true
}
