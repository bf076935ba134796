package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"plugin-governor/internal/api/handlers"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/resource"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	warnColor   = color.New(color.FgYellow)
)

func printSection(w io.Writer, title string) {
	_, _ = headerColor.Fprintln(w, title)
}

func printStatistics(w io.Writer, s *handlers.Statistics) error {
	printSection(w, "Resource manager")
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	_ = table.Append([]string{"Pools", strconv.Itoa(s.Manager.TotalPools)})
	_ = table.Append([]string{"Active leases", strconv.Itoa(s.Manager.ActiveLeases)})
	_ = table.Append([]string{"Acquired", strconv.FormatInt(s.Manager.TotalAcquired, 10)})
	_ = table.Append([]string{"Released", strconv.FormatInt(s.Manager.TotalReleased, 10)})
	_ = table.Append([]string{"Rejected", strconv.FormatInt(s.Manager.TotalRejected, 10)})
	if err := table.Render(); err != nil {
		return err
	}

	printSection(w, "Lifecycle")
	table = tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	_ = table.Append([]string{"Tracked", strconv.Itoa(s.Lifecycle.Tracked)})
	_ = table.Append([]string{"Transitions", strconv.FormatInt(s.Lifecycle.TotalTransitions, 10)})
	_ = table.Append([]string{"Cleaned", strconv.FormatInt(s.Lifecycle.TotalCleaned, 10)})
	_ = table.Append([]string{"Dependency edges", strconv.Itoa(s.Lifecycle.DependencyEdges)})
	if err := table.Render(); err != nil {
		return err
	}

	printSection(w, "Monitor")
	table = tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	_ = table.Append([]string{"Active resources", strconv.Itoa(s.Monitor.ActiveResources)})
	_ = table.Append([]string{"Samples", strconv.FormatInt(s.Monitor.TotalMetricsCollected, 10)})
	_ = table.Append([]string{"Alerts", strconv.FormatInt(s.Monitor.TotalAlerts, 10)})
	_ = table.Append([]string{"Violations", strconv.FormatInt(s.Monitor.TotalViolations, 10)})
	if err := table.Render(); err != nil {
		return err
	}

	if s.Monitor.TotalViolations > 0 {
		_, _ = warnColor.Fprintf(w, "%d quota violations recorded\n", s.Monitor.TotalViolations)
	}
	return nil
}

func printPools(w io.Writer, pools []resource.PoolSnapshot) error {
	if len(pools) == 0 {
		_, _ = fmt.Fprintln(w, "No pools configured.")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Type", "In use", "Available", "Max", "Peak", "Rejected", "Utilization")
	for _, p := range pools {
		typ := p.Type.String()
		if p.Kind != "" {
			typ += "/" + p.Kind
		}
		limit := "unlimited"
		if p.Quota.MaxInstances > 0 {
			limit = strconv.Itoa(p.Quota.MaxInstances)
		}
		_ = table.Append([]string{
			p.Name,
			typ,
			strconv.FormatInt(p.Stats.InUse, 10),
			strconv.FormatInt(p.Stats.Available, 10),
			limit,
			strconv.FormatInt(p.Stats.PeakUsage, 10),
			strconv.FormatInt(p.Stats.Rejections, 10),
			fmt.Sprintf("%.0f%%", p.UtilizationRate*100),
		})
	}
	return table.Render()
}

func printTop(w io.Writer, metric string, top []monitor.ResourceMetrics) error {
	if len(top) == 0 {
		_, _ = fmt.Fprintln(w, "No active resources.")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("#", "Resource", "Plugin", "Type", "CPU %", "Memory", "Accesses", "Errors")
	for i, m := range top {
		_ = table.Append([]string{
			strconv.Itoa(i + 1),
			m.ResourceID,
			m.PluginID,
			m.ResourceType.String(),
			fmt.Sprintf("%.1f", m.CPUUsagePercent),
			strconv.FormatInt(m.MemoryUsageBytes, 10),
			strconv.FormatInt(m.AccessCount, 10),
			strconv.FormatInt(m.ErrorCount, 10),
		})
	}
	printSection(w, "Top consumers by "+metric)
	return table.Render()
}
