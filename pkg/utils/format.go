// Package utils provides formatting helpers for the lumidev CLI
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/lumidev/lumidev/pkg/models"
)

// FormatDuration formats a duration in human-readable format. Durations under
// a second are shown in milliseconds.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	days := d / (24 * time.Hour)
	d = d % (24 * time.Hour)
	hours := d / time.Hour
	d = d % time.Hour
	minutes := d / time.Minute
	d = d % time.Minute

	parts := []string{}

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if d > 0 || len(parts) == 0 {
		if len(parts) == 0 && d%time.Second != 0 {
			parts = append(parts, fmt.Sprintf("%.1fs", d.Seconds()))
		} else {
			parts = append(parts, fmt.Sprintf("%ds", d/time.Second))
		}
	}

	return strings.Join(parts, " ")
}

// TruncateString truncates a string to a maximum length
func TruncateString(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// BuildStatusIcon returns an icon for the given build status
func BuildStatusIcon(status models.BuildStatus) string {
	switch status {
	case models.BuildStatusSucceeded:
		return "✅"
	case models.BuildStatusFailed:
		return "❌"
	default:
		return "❓"
	}
}

// BuildKind names the bundle mode of a run
func BuildKind(incremental bool) string {
	if incremental {
		return "incremental"
	}
	return "full"
}
