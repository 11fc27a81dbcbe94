package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/massensors/beltconsole/remote"
)

// timestampLayouts are tried in order when parsing backend timestamps.
var timestampLayouts = []string{
	remote.MeasurementTimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseDecimal(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	if raw == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// renderValue normalises a numeric value; anything unparsable is shown as is.
func renderValue(raw remote.Text) string {
	if d, ok := parseDecimal(raw.String()); ok {
		return d.String()
	}
	return raw.String()
}

// MeasurementRow is one rendered line of the measurements table.
type MeasurementRow struct {
	Time  string `json:"time"`
	Speed string `json:"speed"`
	Rate  string `json:"rate"`
	Total string `json:"total"`
}

type sortableRow struct {
	row MeasurementRow
	at  time.Time
	ok  bool
}

// MeasurementRows renders measurements newest first. Rows with unparsable
// timestamps keep their relative order after the dated rows.
func MeasurementRows(measurements []remote.Measurement, loc *time.Location) []MeasurementRow {
	rows := make([]sortableRow, 0, len(measurements))
	for _, m := range measurements {
		at, ok := parseTimestamp(m.CurrentTime.String(), loc)
		rows = append(rows, sortableRow{
			row: MeasurementRow{
				Time:  m.CurrentTime.String(),
				Speed: renderValue(m.Speed),
				Rate:  renderValue(m.Rate),
				Total: renderValue(m.Total),
			},
			at: at,
			ok: ok,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ok != rows[j].ok {
			return rows[i].ok
		}
		return rows[i].at.After(rows[j].at)
	})
	out := make([]MeasurementRow, len(rows))
	for i, r := range rows {
		out[i] = r.row
	}
	return out
}

// Chronological returns a copy of measurements ordered oldest first. Entries
// with unparsable timestamps are dropped.
func Chronological(measurements []remote.Measurement, loc *time.Location) []remote.Measurement {
	type dated struct {
		m  remote.Measurement
		at time.Time
	}
	list := make([]dated, 0, len(measurements))
	for _, m := range measurements {
		if at, ok := parseTimestamp(m.CurrentTime.String(), loc); ok {
			list = append(list, dated{m: m, at: at})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].at.Before(list[j].at) })
	out := make([]remote.Measurement, len(list))
	for i, d := range list {
		out[i] = d.m
	}
	return out
}

// AxisLabels returns one label per timestamp. A label carries the date only
// on the first point of each day and on the final point; the year is added
// when the series spans more than 365 days.
func AxisLabels(timestamps []string, loc *time.Location) []string {
	if len(timestamps) == 0 {
		return []string{}
	}
	times := make([]time.Time, len(timestamps))
	valid := make([]bool, len(timestamps))
	for i, ts := range timestamps {
		times[i], valid[i] = parseTimestamp(ts, loc)
	}
	layout := "02.01"
	if valid[0] && valid[len(times)-1] && times[len(times)-1].Sub(times[0]) > 365*24*time.Hour {
		layout = "02.01.06"
	}
	labels := make([]string, len(timestamps))
	last := ""
	for i := range timestamps {
		if !valid[i] {
			continue
		}
		current := times[i].Format(layout)
		if i == 0 || current != last || i == len(timestamps)-1 {
			labels[i] = current
			last = current
		}
	}
	return labels
}

// RateSeries is a rate chart prepared for display.
type RateSeries struct {
	Labels  []string  `json:"labels"`
	Rate    []float64 `json:"rate"`
	Speed   []float64 `json:"speed"`
	MaxRate float64   `json:"max_rate"`
	AvgRate float64   `json:"avg_rate"`
	Points  int       `json:"points"`
}

// RateChartSeries adapts a rate chart response.
func RateChartSeries(chart *remote.RateChart, loc *time.Location) RateSeries {
	if chart == nil {
		return RateSeries{Labels: []string{}, Rate: []float64{}, Speed: []float64{}}
	}
	series := RateSeries{
		Labels:  AxisLabels(chart.Timestamps, loc),
		Rate:    nonNil(chart.RateValues),
		Speed:   nonNil(chart.SpeedValues),
		MaxRate: chart.MaxRate,
		AvgRate: chart.AvgRate,
		Points:  len(chart.Timestamps),
	}
	return series
}

// IncrementalSeries is an incremental chart prepared for display.
type IncrementalSeries struct {
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
	Points int       `json:"points"`
}

// IncrementalChartSeries adapts an incremental chart response.
func IncrementalChartSeries(chart *remote.IncrementalChart, loc *time.Location) IncrementalSeries {
	if chart == nil {
		return IncrementalSeries{Labels: []string{}, Values: []float64{}}
	}
	return IncrementalSeries{
		Labels: AxisLabels(chart.Timestamps, loc),
		Values: nonNil(chart.IncrementalValues),
		Points: len(chart.Timestamps),
	}
}

func nonNil(values []float64) []float64 {
	if values == nil {
		return []float64{}
	}
	return values
}

// WorkingTime sums the intervals during which the belt was moving. An interval
// starts at the first sample with speed > 0 and ends at the next sample that
// is not moving, or at the final sample. Input must be chronological.
func WorkingTime(measurements []remote.Measurement, loc *time.Location) time.Duration {
	if len(measurements) < 2 {
		return 0
	}
	var total time.Duration
	var started *time.Time
	var lastSeen time.Time
	for _, m := range measurements {
		at, ok := parseTimestamp(m.CurrentTime.String(), loc)
		if !ok {
			continue
		}
		lastSeen = at
		speed, ok := parseDecimal(m.Speed.String())
		if ok && speed.IsPositive() {
			if started == nil {
				start := at
				started = &start
			}
			continue
		}
		if started != nil {
			total += at.Sub(*started)
			started = nil
		}
	}
	if started != nil {
		total += lastSeen.Sub(*started)
	}
	return total
}

// FormatWorkingTime renders a duration as "XXh YYm".
func FormatWorkingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// MeasurementSummary aggregates a set of measurements.
type MeasurementSummary struct {
	Count       int    `json:"count"`
	AvgSpeed    string `json:"avg_speed"`
	MaxSpeed    string `json:"max_speed"`
	AvgRate     string `json:"avg_rate"`
	MaxRate     string `json:"max_rate"`
	WorkingTime string `json:"working_time"`
}

// Summarize computes averages and maxima over the parsable values. Input must
// be chronological for the working time to be meaningful.
func Summarize(measurements []remote.Measurement, loc *time.Location) MeasurementSummary {
	avgSpeed, maxSpeed := aggregate(measurements, func(m remote.Measurement) remote.Text { return m.Speed })
	avgRate, maxRate := aggregate(measurements, func(m remote.Measurement) remote.Text { return m.Rate })
	return MeasurementSummary{
		Count:       len(measurements),
		AvgSpeed:    avgSpeed.StringFixed(2),
		MaxSpeed:    maxSpeed.StringFixed(2),
		AvgRate:     avgRate.StringFixed(2),
		MaxRate:     maxRate.StringFixed(2),
		WorkingTime: FormatWorkingTime(WorkingTime(measurements, loc)),
	}
}

func aggregate(measurements []remote.Measurement, field func(remote.Measurement) remote.Text) (decimal.Decimal, decimal.Decimal) {
	values := make([]decimal.Decimal, 0, len(measurements))
	for _, m := range measurements {
		if d, ok := parseDecimal(field(m).String()); ok {
			values = append(values, d)
		}
	}
	if len(values) == 0 {
		return decimal.Zero, decimal.Zero
	}
	avg := decimal.Avg(values[0], values[1:]...)
	max := decimal.Max(values[0], values[1:]...)
	return avg, max
}
