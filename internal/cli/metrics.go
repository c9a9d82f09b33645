package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// printMetrics renders the myidb collectors of g as a table.
func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Labels", "Value"})
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "myidb_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			table.Append([]string{mf.GetName(), labelString(m.GetLabel()), metricValue(mf.GetType(), m)})
		}
	}
	table.Render()
	return nil
}

func labelString(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func metricValue(t dto.MetricType, m *dto.Metric) string {
	switch t {
	case dto.MetricType_COUNTER:
		return humanize.Ftoa(m.GetCounter().GetValue())
	case dto.MetricType_GAUGE:
		return humanize.Ftoa(m.GetGauge().GetValue())
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return fmt.Sprintf("%s obs, sum %ss", humanize.Comma(int64(h.GetSampleCount())), humanize.FtoaWithDigits(h.GetSampleSum(), 4))
	}
	return ""
}
