package search

import (
	"fmt"
	"strings"
)

// SQLBuilder is a fluent builder for SQLite SELECT statements.
// Values are always bound as parameters; only identifiers are written into the SQL text.
type SQLBuilder struct {
	distinct     bool
	selectFields []string
	fromTable    string
	whereClauses []string
	params       []interface{}
	limitVal     *int
	orderBy      []string
}

// NewSQLBuilder creates a new SQL builder
func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{
		selectFields: []string{},
		whereClauses: []string{},
		params:       []interface{}{},
		orderBy:      []string{},
	}
}

// Select adds SELECT fields to the query
func (b *SQLBuilder) Select(fields ...string) *SQLBuilder {
	b.selectFields = append(b.selectFields, fields...)
	return b
}

// Distinct turns the query into SELECT DISTINCT
func (b *SQLBuilder) Distinct() *SQLBuilder {
	b.distinct = true
	return b
}

// From sets the FROM table
func (b *SQLBuilder) From(table string) *SQLBuilder {
	b.fromTable = table
	return b
}

// Where adds a WHERE condition with parameterized values.
// User input must be passed in params, never in condition.
func (b *SQLBuilder) Where(condition string, params ...interface{}) *SQLBuilder {
	b.whereClauses = append(b.whereClauses, condition)
	b.params = append(b.params, params...)
	return b
}

// WhereContains adds a single condition matching rows where any of columns
// contains term as a literal substring. LIKE metacharacters in term are escaped.
func (b *SQLBuilder) WhereContains(columns []string, term string) *SQLBuilder {
	if len(columns) == 0 {
		return b
	}
	escaped := escapeLikeTerm(term)
	parts := make([]string, len(columns))
	params := make([]interface{}, len(columns))
	for i, column := range columns {
		parts[i] = fmt.Sprintf(`%s LIKE '%%' || ? || '%%' ESCAPE '\'`, b.escapeIdentifier(column))
		params[i] = escaped
	}
	condition := parts[0]
	if len(parts) > 1 {
		condition = "(" + strings.Join(parts, " OR ") + ")"
	}
	return b.Where(condition, params...)
}

// WhereIn restricts column to the values produced by sub. The parameters of
// sub are appended after those already bound.
func (b *SQLBuilder) WhereIn(column string, sub *SQLBuilder) *SQLBuilder {
	subQuery, subParams := sub.Build()
	return b.Where(fmt.Sprintf("%s IN (%s)", b.escapeIdentifier(column), subQuery), subParams...)
}

// Limit sets the LIMIT clause
func (b *SQLBuilder) Limit(n int) *SQLBuilder {
	b.limitVal = &n
	return b
}

// OrderBy adds an ORDER BY clause
func (b *SQLBuilder) OrderBy(field string, direction string) *SQLBuilder {
	direction = strings.ToUpper(direction)
	if direction != "DESC" {
		direction = "ASC"
	}
	b.orderBy = append(b.orderBy, fmt.Sprintf("%s %s", b.escapeIdentifier(field), direction))
	return b
}

// Build returns the SQL text and the parameters to bind with it
func (b *SQLBuilder) Build() (string, []interface{}) {
	var query strings.Builder

	query.WriteString("SELECT ")
	if b.distinct {
		query.WriteString("DISTINCT ")
	}
	if len(b.selectFields) == 0 {
		query.WriteString("*")
	} else {
		escapedFields := make([]string, len(b.selectFields))
		for i, field := range b.selectFields {
			escapedFields[i] = b.escapeIdentifier(field)
		}
		query.WriteString(strings.Join(escapedFields, ", "))
	}

	if b.fromTable != "" {
		query.WriteString(" FROM ")
		query.WriteString(b.escapeIdentifier(b.fromTable))
	}

	if len(b.whereClauses) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(b.whereClauses, " AND "))
	}

	if len(b.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.limitVal != nil {
		query.WriteString(fmt.Sprintf(" LIMIT %d", *b.limitVal))
	}

	return query.String(), b.params
}

// escapeIdentifier passes plain identifiers through and double-quotes anything else.
func (b *SQLBuilder) escapeIdentifier(identifier string) string {
	if identifier == "*" {
		return "*"
	}

	safe := identifier != ""
	for i, char := range identifier {
		if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9' && i > 0) || char == '_') {
			safe = false
			break
		}
	}
	if safe {
		return identifier
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// escapeLikeTerm makes %, _ and the escape character itself match literally
// under ESCAPE '\'.
func escapeLikeTerm(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}
