// Package histogram renders posting-activity distributions for the terminal.
package histogram

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/sreenivasanac/quora-analysis/pkg/timezone"
)

// maxBarWidth caps bar length so a heavy bucket never wraps the terminal.
const maxBarWidth = 40

// Render returns a two-section chart (hour of day, day of week) of the
// bucketed distribution, with the busiest bucket of each section highlighted.
func Render(dist timezone.Distribution, label string) string {
	var output strings.Builder

	total := 0
	for _, count := range dist.Hourly {
		total += count
	}

	header := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	output.WriteString(header.Sprintf("Posting activity (%s, %d answers)\n", label, total))
	output.WriteString(strings.Repeat("─", 50) + "\n")

	if total == 0 {
		output.WriteString(dim.Sprint("no timestamped answers in range\n"))
		return output.String()
	}

	output.WriteString(header.Sprint("By hour of day\n"))
	maxHourly := 0
	for _, count := range dist.Hourly {
		if count > maxHourly {
			maxHourly = count
		}
	}
	for hour, count := range dist.Hourly {
		output.WriteString(bucketLine(
			fmt.Sprintf("%02d:00", hour), count, maxHourly, hour == dist.BusiestHour))
	}

	output.WriteString(header.Sprint("\nBy day of week\n"))
	maxWeekday := 0
	for _, count := range dist.Weekday {
		if count > maxWeekday {
			maxWeekday = count
		}
	}
	for day, count := range dist.Weekday {
		name := timezone.DayNames[day]
		output.WriteString(bucketLine(
			fmt.Sprintf("%-9s", name), count, maxWeekday, name == dist.BusiestDay))
	}

	return output.String()
}

// bucketLine formats one labelled bar. The busiest bucket renders yellow,
// everything else grey; empty buckets get a dot placeholder.
func bucketLine(label string, count, maxCount int, busiest bool) string {
	line := fmt.Sprintf("%s (%3d) ", label, count)

	barColor := color.New(color.FgHiBlack)
	if busiest {
		barColor = color.New(color.FgYellow)
	}

	switch {
	case count == 0:
		line += barColor.Sprint("·")
	default:
		width := count * maxBarWidth / maxCount
		if width == 0 {
			width = 1
		}
		line += barColor.Sprint(strings.Repeat("█", width))
	}
	if busiest {
		line += " " + barColor.Sprint("◀ busiest")
	}
	return line + "\n"
}
