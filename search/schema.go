package search

import "fmt"

// Wildcard selects every searchable column of a table.
const Wildcard = "*"

const documentColumn = "document"

// Table names accepted by the search operations.
const (
	TableLogSources = "logsources"
	TableSelections = "selections"
)

// searchable is the compile-time allow-list of tables and the columns that
// may be searched in each. No other identifier ever reaches the SQL text.
var searchable = map[string][]string{
	TableLogSources: {"category", "product", "service"},
	TableSelections: {"fieldName", "value"},
}

// scope is a validated search target.
type scope struct {
	table   string
	columns []string // columns matched against the term
}

// output returns the columns returned for each matching row.
func (s scope) output() []string {
	return append(append([]string{}, s.columns...), documentColumn)
}

// resolveScope validates table and column against the allow-list.
func resolveScope(table, column string) (scope, error) {
	columns, ok := searchable[table]
	if !ok {
		return scope{}, fmt.Errorf("%w: unknown table %q", ErrInvalidQuery, table)
	}
	if column == Wildcard {
		return scope{table: table, columns: columns}, nil
	}
	for _, c := range columns {
		if c == column {
			return scope{table: table, columns: []string{c}}, nil
		}
	}
	return scope{}, fmt.Errorf("%w: unknown column %q for table %q", ErrInvalidQuery, column, table)
}

// Tables returns a copy of the searchable tables and their columns.
func Tables() map[string][]string {
	out := make(map[string][]string, len(searchable))
	for name, columns := range searchable {
		out[name] = append([]string{}, columns...)
	}
	return out
}
