package review

import (
	"encoding/json"
	"fmt"
)

// Metric keys recorded by the agent executor.
const (
	MetricToolCounts            = "tool_counts"
	MetricTotalToolUses         = "total_tool_uses"
	MetricErrorCount            = "error_count"
	MetricErrorRate             = "error_rate"
	MetricPlaywrightCount       = "playwright_count"
	MetricPlaywrightScreenshots = "playwright_screenshots"
)

// QuickResult is the inline heuristic verdict on a session.
type QuickResult struct {
	Rating         int
	CriticalIssues []string
	Warnings       []string
}

// QuickCheck scores a coding session from its metrics alone.
func QuickCheck(metrics map[string]any) QuickResult {
	var r QuickResult

	total := Metric(metrics, MetricTotalToolUses)
	playwright := Metric(metrics, MetricPlaywrightCount)
	screenshots := Metric(metrics, MetricPlaywrightScreenshots)
	errRate := Metric(metrics, MetricErrorRate)

	if playwright == 0 {
		r.CriticalIssues = append(r.CriticalIssues, "No browser verification: zero Playwright calls")
	} else if screenshots == 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("Browser used %d times but no screenshots taken", int(playwright)))
	}
	if errRate > 0.15 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("High error rate: %.1f%%", errRate*100))
	}
	if total < 5 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("Very few tool uses: %d", int(total)))
	}

	r.Rating = clampRating(10 - 3*len(r.CriticalIssues) - len(r.Warnings))
	return r
}

func clampRating(n int) int {
	return max(1, min(10, n))
}

// Metric reads a numeric metric regardless of how it was decoded.
func Metric(metrics map[string]any, key string) float64 {
	switch v := metrics[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
