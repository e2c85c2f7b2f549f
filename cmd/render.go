package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"sigmadex/bootstrap"
	"sigmadex/corpus"
	"sigmadex/search"
	"sigmadex/storage"
)

// indexSummary is the result of the 'index' command.
type indexSummary struct {
	Build         storage.BuildInfo `json:"build"`
	FilesScanned  int               `json:"files_scanned"`
	FilesLoaded   int               `json:"files_loaded"`
	FilesSkipped  int               `json:"files_skipped"`
	FilesFailed   int               `json:"files_failed"`
	ParseErrors   int               `json:"parse_errors"`
	QualityIssues int               `json:"quality_issues"`
	Duration      string            `json:"duration"`
	Errors        []string          `json:"errors"`
}

func newIndexSummary(c *bootstrap.IndexComponents) indexSummary {
	parse, quality := corpus.CountErrors(c.Corpus.Errors)
	errs := make([]string, 0, len(c.Corpus.Errors))
	for _, err := range c.Corpus.Errors {
		errs = append(errs, err.Error())
	}
	return indexSummary{
		Build:         c.Index.Info(),
		FilesScanned:  c.Corpus.FilesScanned,
		FilesLoaded:   c.Corpus.FilesLoaded,
		FilesSkipped:  c.Corpus.FilesSkipped,
		FilesFailed:   c.Corpus.FilesFailed,
		ParseErrors:   parse,
		QualityIssues: quality,
		Duration:      c.Corpus.Duration.Round(time.Millisecond).String(),
		Errors:        errs,
	}
}

// renderIndexSummary displays the outcome of an index build
func renderIndexSummary(w io.Writer, s indexSummary, showErrors bool) {
	headerColor.Fprintln(w, "INDEX")
	headerColor.Fprintln(w, strings.Repeat("=", 60))
	printField(w, "Corpus", s.Build.CorpusRoot)
	printField(w, "Build ID", s.Build.BuildID)
	printField(w, "Files scanned", fmt.Sprintf("%d", s.FilesScanned))
	printField(w, "Rules loaded", fmt.Sprintf("%d", s.FilesLoaded))
	printField(w, "Skipped (not rules)", fmt.Sprintf("%d", s.FilesSkipped))
	printField(w, "Log sources", fmt.Sprintf("%d", s.Build.LogSources))
	printField(w, "Selections", fmt.Sprintf("%d", s.Build.Selections))
	printField(w, "Duration", s.Duration)
	fmt.Fprintln(w, strings.Repeat("-", 60))

	if s.ParseErrors == 0 && s.QualityIssues == 0 && s.Build.Skipped == 0 {
		successColor.Fprintln(w, "✓ Index built without issues")
	} else {
		if s.ParseErrors > 0 {
			errorColor.Fprintf(w, "✗ %d file(s) failed to parse\n", s.ParseErrors)
		}
		if s.QualityIssues > 0 {
			warningColor.Fprintf(w, "! %d data quality issue(s)\n", s.QualityIssues)
		}
		if s.Build.Skipped > 0 {
			warningColor.Fprintf(w, "! %d record(s) rejected by the index\n", s.Build.Skipped)
		}
		if !showErrors {
			fmt.Fprintln(w, "  Run with --show-errors for details")
		}
	}

	if showErrors && len(s.Errors) > 0 {
		fmt.Fprintln(w)
		printSection(w, "Issues")
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

// renderRows displays search rows as a table, columns sorted with document last
func renderRows(w io.Writer, rows []search.Row, quiet bool) {
	if len(rows) == 0 {
		if !quiet {
			warningColor.Fprintln(w, "No matches")
		}
		return
	}

	columns := rowColumns(rows[0])
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
		for _, row := range rows {
			if n := len(displayValue(row[col])); n > widths[i] {
				widths[i] = n
			}
		}
	}

	for i, col := range columns {
		headerColor.Fprintf(w, "%-*s  ", widths[i], strings.ToUpper(col))
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, col := range columns {
			fmt.Fprintf(w, "%-*s  ", widths[i], displayValue(row[col]))
		}
		fmt.Fprintln(w)
	}

	if !quiet {
		infoColor.Fprintf(w, "%d row(s)\n", len(rows))
	}
}

func rowColumns(row search.Row) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		if col != "document" {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)
	if _, ok := row["document"]; ok {
		columns = append(columns, "document")
	}
	return columns
}

// displayValue keeps multi-line values on one table row
func displayValue(v string) string {
	const maxWidth = 60
	v = strings.ReplaceAll(v, "\n", `\n`)
	if len(v) > maxWidth {
		v = v[:maxWidth-3] + "..."
	}
	return v
}

// renderStats displays index statistics
func renderStats(w io.Writer, stats *search.Stats) {
	headerColor.Fprintln(w, "STATS")
	headerColor.Fprintln(w, strings.Repeat("=", 60))
	printField(w, "Build ID", stats.Build.BuildID)
	printField(w, "Built at", stats.Build.BuiltAt.Format(time.RFC3339))
	printField(w, "Corpus", stats.Build.CorpusRoot)
	printField(w, "Documents", fmt.Sprintf("%d", stats.Rows.Documents))
	printField(w, "Log source rows", fmt.Sprintf("%d", stats.Rows.LogSources))
	printField(w, "Selection rows", fmt.Sprintf("%d", stats.Rows.Selections))
	fmt.Fprintln(w)

	printSection(w, "Searchable columns")
	tables := make([]string, 0, len(stats.Tables))
	for table := range stats.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		printField(w, table, strings.Join(stats.Tables[table], ", "))
	}
}

func printSection(w io.Writer, title string) {
	infoColor.Fprintln(w, title)
}

func printField(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %-22s %s\n", key+":", value)
}
