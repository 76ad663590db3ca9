package models

// ColumnInfo describes a result column with the warehouse type name.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet holds the full (pre-pagination) result of an executed query.
type ResultSet struct {
	Columns   []ColumnInfo     `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"` // hit the hard row cap
	Cached    bool             `json:"cached"`
}

// ColumnStats are descriptive statistics for one numeric result column.
type ColumnStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}

// Anomaly flags a single value that deviates from its column's
// distribution.
type Anomaly struct {
	Column string  `json:"column"`
	Row    int     `json:"row"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"z_score,omitempty"`
	Method string  `json:"method"` // "z_score" or "iqr"
}

// SeriesPoint is one element of a derived time-series overlay.
type SeriesPoint struct {
	Row   int      `json:"row"`
	Delta *float64 `json:"delta,omitempty"`
	MA3   *float64 `json:"ma_3,omitempty"`
	MA7   *float64 `json:"ma_7,omitempty"`
}

// AnalyticsMetadata records that statistics were computed over the full
// result set rather than the paginated window.
type AnalyticsMetadata struct {
	TotalRows             int  `json:"total_rows"`
	ComputedOnFullDataset bool `json:"computed_on_full_dataset"`
}

// AnalyticsReport is the post-processor's output.
type AnalyticsReport struct {
	Columns   map[string]ColumnStats  `json:"columns"`
	Anomalies []Anomaly               `json:"anomalies,omitempty"`
	Series    map[string][]SeriesPoint `json:"series,omitempty"`
	Metadata  AnalyticsMetadata       `json:"_metadata"`
}
