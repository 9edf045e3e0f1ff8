package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one table heading. Numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

func label(title string) column   { return column{title: title} }
func numeric(title string) column { return column{title: title, numeric: true} }

// newTable starts a rounded table with the given headings. Column configs are
// keyed by title, so rows may be appended with any value types.
func newTable(columns ...column) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, 0, len(columns))
	configs := make([]table.ColumnConfig, 0, len(columns))
	for _, c := range columns {
		cfg := table.ColumnConfig{Name: c.title, AlignHeader: text.AlignLeft}
		if c.numeric {
			cfg.Align = text.AlignRight
			cfg.AlignFooter = text.AlignRight
		}
		header = append(header, c.title)
		configs = append(configs, cfg)
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)
	return tw
}

// formatAge renders how long ago t was, e.g. "42s" or "3m05s".
func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		return "in " + formatDuration(-d)
	}
	return formatDuration(d)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
