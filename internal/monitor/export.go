package monitor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	govErrors "plugin-governor/internal/errors"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// CSVHeader is the first row of every CSV export
var CSVHeader = []string{
	"timestamp", "resource_id", "plugin_id", "resource_type",
	"cpu_usage_percent", "memory_usage_bytes", "access_count", "error_count",
}

type exportSample struct {
	Timestamp        int64   `json:"timestamp"`
	CPUUsagePercent  float64 `json:"cpu_usage_percent"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	AccessCount      int64   `json:"access_count"`
	ErrorCount       int64   `json:"error_count"`
}

type exportResource struct {
	ResourceID     string         `json:"resource_id"`
	PluginID       string         `json:"plugin_id"`
	ResourceType   string         `json:"resource_type"`
	HistoricalData []exportSample `json:"historical_data"`
}

type exportDocument struct {
	ExportStartTime int64            `json:"export_start_time"`
	ExportEndTime   int64            `json:"export_end_time"`
	Resources       []exportResource `json:"resources"`
}

// ExportMetrics renders the history between start and end (inclusive) as
// json or csv. Timestamps are milliseconds since the epoch. A zero end
// means now.
func (m *Monitor) ExportMetrics(format string, start, end time.Time) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != FormatJSON && format != FormatCSV {
		return "", govErrors.InvalidArgument("unsupported export format %q", format)
	}
	if end.IsZero() {
		end = m.now()
	}
	if end.Before(start) {
		return "", govErrors.InvalidArgument("export end %s is before start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	series := m.historyBetween(start, end)
	if format == FormatCSV {
		return renderCSV(series)
	}
	return renderJSON(series, start, end)
}

type resourceSeries struct {
	id      string
	samples []Sample
}

func (m *Monitor) historyBetween(start, end time.Time) []resourceSeries {
	m.resourcesMu.RLock()
	out := make([]resourceSeries, 0, len(m.records))
	for id, rec := range m.records {
		var samples []Sample
		for _, s := range rec.history.Items() {
			if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
				samples = append(samples, s)
			}
		}
		if len(samples) > 0 {
			out = append(out, resourceSeries{id: id, samples: samples})
		}
	}
	m.resourcesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func renderJSON(series []resourceSeries, start, end time.Time) (string, error) {
	doc := exportDocument{
		ExportStartTime: start.UnixMilli(),
		ExportEndTime:   end.UnixMilli(),
		Resources:       make([]exportResource, 0, len(series)),
	}
	for _, rs := range series {
		first := rs.samples[0]
		r := exportResource{
			ResourceID:     rs.id,
			PluginID:       first.PluginID,
			ResourceType:   first.ResourceType.String(),
			HistoricalData: make([]exportSample, 0, len(rs.samples)),
		}
		for _, s := range rs.samples {
			r.HistoricalData = append(r.HistoricalData, exportSample{
				Timestamp:        s.Timestamp.UnixMilli(),
				CPUUsagePercent:  s.CPUUsagePercent,
				MemoryUsageBytes: s.MemoryUsageBytes,
				AccessCount:      s.AccessCount,
				ErrorCount:       s.ErrorCount,
			})
		}
		doc.Resources = append(doc.Resources, r)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func renderCSV(series []resourceSeries) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return "", err
	}
	for _, rs := range series {
		for _, s := range rs.samples {
			row := []string{
				strconv.FormatInt(s.Timestamp.UnixMilli(), 10),
				s.ResourceID,
				s.PluginID,
				s.ResourceType.String(),
				strconv.FormatFloat(s.CPUUsagePercent, 'f', -1, 64),
				strconv.FormatInt(s.MemoryUsageBytes, 10),
				strconv.FormatInt(s.AccessCount, 10),
				strconv.FormatInt(s.ErrorCount, 10),
			}
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
