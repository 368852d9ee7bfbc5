package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"cnsd/internal/manager"
	"cnsd/internal/memory"
	"cnsd/internal/validation"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2196F3"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
)

// renderTable lays out rows under padded headers.
func renderTable(title string, headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")
	for i, h := range headers {
		sb.WriteString(headerStyle.Render(pad(h, widths[i])))
		sb.WriteString("  ")
	}
	sb.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			sb.WriteString(pad(cell, widths[i]))
			sb.WriteString("  ")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func tierOrder() []memory.LayerID {
	return []memory.LayerID{memory.LayerSession, memory.LayerContext, memory.LayerPatterns, memory.LayerPredictions}
}

func renderTiers(snap manager.Snapshot) string {
	rows := make([][]string, 0, len(snap.Tiers))
	for _, id := range tierOrder() {
		tm, ok := snap.Tiers[id]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			string(id),
			fmt.Sprintf("%d/%d", tm.Entries, tm.MaxEntries),
			fmt.Sprintf("%d", tm.Hits),
			fmt.Sprintf("%d", tm.Misses),
			fmt.Sprintf("%d", tm.Evictions),
			fmt.Sprintf("%.2f", tm.RetentionRate),
		})
	}
	return renderTable("Tiers", []string{"TIER", "ENTRIES", "HITS", "MISSES", "EVICT", "RETAIN"}, rows)
}

func renderValidation(reports map[memory.LayerID]manager.TierReport) string {
	rows := make([][]string, 0, len(reports))
	for _, id := range tierOrder() {
		report, ok := reports[id]
		if !ok {
			continue
		}
		health := okStyle.Render("healthy")
		if !report.Validation.Healthy {
			health = badStyle.Render("unhealthy")
		}
		healed := "-"
		if report.Heal != nil {
			healed = fmt.Sprintf("%d repaired, %d removed", report.Heal.Repaired, report.Heal.Removed)
		}
		rows = append(rows, []string{
			string(id),
			fmt.Sprintf("%d", report.Validation.Checked),
			fmt.Sprintf("%.0f%%", report.Validation.ValidRatio*100),
			health,
			healed,
		})
	}
	return renderTable("Validation", []string{"TIER", "CHECKED", "VALID", "STATE", "HEALED"}, rows)
}

func renderEngines(snap manager.Snapshot, opt manager.OptimizeReport) string {
	rows := [][]string{
		{"validation", "trend " + renderValidationTrend(snap.Validation)},
		{"evolution", fmt.Sprintf("population %d, fitness %.2f, diversity %.2f",
			snap.Evolution.Population, snap.Evolution.AvgFitness, snap.Evolution.Diversity)},
		{"predictive", fmt.Sprintf("patterns %d, hit rate %.2f", snap.Predictive.Patterns, snap.Predictive.HitRate)},
	}
	if snap.Intelligence != nil {
		rows = append(rows, []string{"intelligence", fmt.Sprintf("multiplier %.3f, effectiveness %.2f",
			snap.Intelligence.TotalMultiplier, snap.Intelligence.Effectiveness)})
	} else {
		rows = append(rows, []string{"intelligence", "disabled"})
	}
	rows = append(rows,
		[]string{"health", fmt.Sprintf("%.2f", snap.OverallHealth)},
		[]string{"load", fmt.Sprintf("%.2f", snap.SystemLoad)},
	)
	if len(opt.Recommendations) > 0 {
		recs := append([]string(nil), opt.Recommendations...)
		sort.Strings(recs)
		rows = append(rows, []string{"advice", strings.Join(recs, "; ")})
	}
	return renderTable("Engines", []string{"ENGINE", "STATE"}, rows)
}

func renderValidationTrend(trend validation.Trend) string {
	switch trend {
	case validation.TrendDegrading:
		return badStyle.Render(string(trend))
	case validation.TrendImproving:
		return okStyle.Render(string(trend))
	default:
		return string(trend)
	}
}
