// Package corpus walks a Sigma rule tree and extracts the records that the
// search index is built from.
//
// Every rule document contributes at most one LogSourceRecord (the merged
// category/product/service of its logsource section) and one
// SelectionRecord per field of every mapping-typed detection block.
// Documents are identified by their slash-separated path relative to the
// corpus root, so identifiers are stable across hosts and never expose the
// absolute location of the corpus.
package corpus

import "time"

// LogSourceRecord is the log-source descriptor of one rule document.
// Keys absent from the document are empty strings.
type LogSourceRecord struct {
	Category string `json:"category"`
	Product  string `json:"product"`
	Service  string `json:"service"`
	Document string `json:"document"`
}

// SelectionRecord is one field/value pair taken from a detection selection.
type SelectionRecord struct {
	FieldName string `json:"fieldName"`
	Value     string `json:"value"`
	Document  string `json:"document"`
}

// Extraction holds everything taken from a single rule document.
type Extraction struct {
	Document   string
	LogSource  *LogSourceRecord
	Selections []SelectionRecord
	// Issues are data-quality problems that did not prevent extraction of
	// the remaining sections.
	Issues []error
	// IsRule is false for YAML documents with neither a logsource nor a
	// detection section (configs, mappings and the like living in the tree).
	IsRule bool
}

// Result is the outcome of loading a whole corpus.
type Result struct {
	Root       string
	Documents  []string
	LogSources []LogSourceRecord
	Selections []SelectionRecord
	// Errors collects every ParseError and DataQualityError seen during the
	// walk. None of them abort loading.
	Errors []error

	FilesScanned int
	FilesLoaded  int
	FilesFailed  int
	FilesSkipped int
	Duration     time.Duration
}

// add merges a single extraction into the result.
func (r *Result) add(ex *Extraction) {
	r.Errors = append(r.Errors, ex.Issues...)
	if !ex.IsRule {
		r.FilesSkipped++
		return
	}
	r.FilesLoaded++
	r.Documents = append(r.Documents, ex.Document)
	if ex.LogSource != nil {
		r.LogSources = append(r.LogSources, *ex.LogSource)
	}
	r.Selections = append(r.Selections, ex.Selections...)
}
