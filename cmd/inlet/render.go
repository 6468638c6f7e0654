package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gookit/color"
	"gopkg.in/yaml.v3"

	"github.com/inletlabs/inlet/internal/runner"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/json"
)

// catalogEntry is the serializable form of one discovered entity.
type catalogEntry struct {
	Name           string                 `json:"name" yaml:"name"`
	Endpoint       string                 `json:"endpoint" yaml:"endpoint"`
	PrimaryKey     string                 `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	ReplicationKey string                 `json:"replication_key,omitempty" yaml:"replication_key,omitempty"`
	Mode           string                 `json:"mode" yaml:"mode"`
	Fields         int                    `json:"fields" yaml:"fields"`
	Schema         map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
}

func catalogEntries(c *runner.Catalog) []catalogEntry {
	entries := make([]catalogEntry, 0, len(c.Entities))
	for _, name := range c.Names() {
		ent := c.Entities[name]
		entry := catalogEntry{
			Name:           ent.Name,
			Endpoint:       ent.Endpoint,
			PrimaryKey:     ent.PrimaryKey,
			ReplicationKey: ent.ReplicationKey,
			Mode:           "full_table",
		}
		if ent.SupportsIncremental() {
			entry.Mode = "incremental"
		}
		if es := c.Schemas[name]; es != nil {
			entry.Fields = es.Len()
			entry.Schema = es.MarshalMap()
		}
		entries = append(entries, entry)
	}
	return entries
}

// renderCatalog prints the discovered catalog in the requested format.
func renderCatalog(c *runner.Catalog, output string) error {
	entries := catalogEntries(c)

	switch output {
	case "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(entries)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table", "":
		color.Bold.Printf("%-28s %-16s %-18s %-12s %s\n",
			"ENTITY", "PRIMARY KEY", "REPLICATION KEY", "MODE", "FIELDS")
		for _, e := range entries {
			fmt.Printf("%-28s %-16s %-18s %-12s %d\n",
				e.Name, orDash(e.PrimaryKey), orDash(e.ReplicationKey), e.Mode, e.Fields)
		}
		fmt.Printf("\n%d entities\n", len(entries))
	default:
		return fmt.Errorf("unknown output format %q (expected table, json or yaml)", output)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// statusLabel pads the status before coloring so ANSI escapes do not
// break column alignment.
func statusLabel(status runner.EntityStatus) string {
	padded := fmt.Sprintf("%-9s", status)
	switch status {
	case runner.StatusSucceeded:
		return color.Green.Sprint(padded)
	case runner.StatusFailed:
		return color.Red.Sprint(padded)
	case runner.StatusSkipped:
		return color.Yellow.Sprint(padded)
	case runner.StatusPlanned:
		return color.Cyan.Sprint(padded)
	}
	return padded
}

// renderSummary prints the run report as a colored per-entity table with
// totals underneath.
func renderSummary(s *runner.Summary) {
	fmt.Println()
	if s.DryRun {
		color.Bold.Printf("dry run %s", s.RunID)
	} else {
		color.Bold.Printf("run %s", s.RunID)
	}
	fmt.Printf("  sink=%s  state=%s\n\n", s.Sink, s.StatePath)

	for _, e := range s.Entities {
		fmt.Printf("  %-28s %s %-12s %5d pages %10d records  %s\n",
			e.Entity, statusLabel(e.Status), e.Strategy, e.Pages, e.Records,
			e.Duration.Round(time.Millisecond))
		if e.Error != "" {
			color.Red.Printf("      %s\n", e.Error)
		}
		if e.Bookmark != nil {
			color.Gray.Printf("      bookmark: %v\n", e.Bookmark)
		}
	}

	fmt.Println()
	if s.DryRun {
		color.Cyan.Printf("%d entities planned, nothing extracted\n", len(s.Entities))
		return
	}

	var parts []string
	if s.Succeeded > 0 {
		parts = append(parts, color.Green.Sprintf("%d succeeded", s.Succeeded))
	}
	if s.Failed > 0 {
		parts = append(parts, color.Red.Sprintf("%d failed", s.Failed))
	}
	if skipped := len(s.Entities) - s.Succeeded - s.Failed; skipped > 0 {
		parts = append(parts, color.Yellow.Sprintf("%d skipped", skipped))
	}
	if len(parts) == 0 {
		parts = append(parts, "no entities ran")
	}
	fmt.Printf("%s - %d records, %d pages in %s\n",
		strings.Join(parts, ", "), s.Records, s.Pages, s.Duration.Round(time.Millisecond))
	if s.Skipped > 0 {
		color.Yellow.Printf("%d malformed records skipped\n", s.Skipped)
	}

	if s.Aborted {
		color.Red.Printf("run aborted: %s error\n", s.AbortClass)
	}
	if s.SinkError != "" {
		color.Red.Printf("sink error: %s\n", s.SinkError)
	}
	if len(s.ErrorCounts) > 0 {
		classes := make([]string, 0, len(s.ErrorCounts))
		for class := range s.ErrorCounts {
			classes = append(classes, string(class))
		}
		sort.Strings(classes)
		counts := make([]string, 0, len(classes))
		for _, class := range classes {
			counts = append(counts, fmt.Sprintf("%s=%d", class, s.ErrorCounts[errors.Class(class)]))
		}
		color.Yellow.Printf("recovery events: %s\n", strings.Join(counts, " "))
	}
	if s.Resources.MemoryRSS > 0 {
		color.Gray.Printf("rss %.1f MiB, cpu %.1f%%, %d goroutines\n",
			float64(s.Resources.MemoryRSS)/(1<<20), s.Resources.CPUPercent,
			s.Resources.Goroutines)
	}
}
