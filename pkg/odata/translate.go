package odata

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Statement is a translated query: SQL with @pN placeholders plus the
// values each placeholder binds to.
type Statement struct {
	SQL      string
	Bindings map[string]any
}

// Args returns the bindings as database/sql named arguments.
func (s *Statement) Args() []any {
	args := make([]any, 0, len(s.Bindings))
	for name, value := range s.Bindings {
		args = append(args, sql.Named(name, value))
	}
	return args
}

var comparisonOps = map[string]string{
	"eq": "=",
	"ne": "<>",
	"gt": ">",
	"ge": ">=",
	"lt": "<",
	"le": "<=",
}

var (
	containsPattern   = regexp.MustCompile(`^contains\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*'((?:[^']|'')*)'\s*\)$`)
	comparisonPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s+(eq|ne|gt|ge|lt|le)\s+(.+)$`)
	stringLiteral     = regexp.MustCompile(`^'((?:[^']|'')*)'$`)
	integerLiteral    = regexp.MustCompile(`^-?[0-9]+$`)
	orderTermPattern  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\s+([Aa][Ss][Cc]|[Dd][Ee][Ss][Cc]))?$`)
)

// Translate renders a single-table SELECT for the query. The table name is
// given as "schema.object" and both parts are bracketed; an empty Select
// projects all columns. Paging is always emitted as LIMIT/OFFSET, so a page
// is bounded even when the caller omits $top.
func Translate(qualifiedTable string, q Query) (*Statement, error) {
	table, err := bracketQualified(qualifiedTable)
	if err != nil {
		return nil, err
	}

	columns := "*"
	if len(q.Select) > 0 {
		bracketed := make([]string, 0, len(q.Select))
		for _, col := range q.Select {
			if !identPattern.MatchString(col) {
				return nil, fmt.Errorf("%w: invalid column %q", ErrInvalidQuery, col)
			}
			bracketed = append(bracketed, "["+col+"]")
		}
		columns = strings.Join(bracketed, ", ")
	}

	if q.Top < 0 || q.Skip < 0 {
		return nil, fmt.Errorf("%w: negative paging bounds", ErrInvalidQuery)
	}

	var b strings.Builder
	bindings := make(map[string]any)

	b.WriteString("SELECT ")
	b.WriteString(columns)
	b.WriteString(" FROM ")
	b.WriteString(table)

	if q.Filter != "" {
		clause, err := translateFilter(q.Filter, bindings)
		if err != nil {
			return nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}

	if q.OrderBy != "" {
		clause, err := translateOrderBy(q.OrderBy)
		if err != nil {
			return nil, err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(clause)
	}

	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", q.Top, q.Skip)

	return &Statement{SQL: b.String(), Bindings: bindings}, nil
}

// translateFilter recognises exactly three expression shapes and rejects
// everything else: a parameterised comparison on a quoted string (eq/ne
// only), a parameterised comparison on an integer, and contains() rendered
// as LIKE. The wildcard characters for contains live in the binding, not
// the SQL, so the same statement runs under every supported driver.
func translateFilter(filter string, bindings map[string]any) (string, error) {
	if m := containsPattern.FindStringSubmatch(filter); m != nil {
		param := nextParam(bindings)
		bindings[param] = "%" + unescapeString(m[2]) + "%"
		return "[" + m[1] + "] LIKE @" + param, nil
	}

	m := comparisonPattern.FindStringSubmatch(filter)
	if m == nil {
		return "", ErrUnsupportedFilter
	}
	field, op, rhs := m[1], m[2], strings.TrimSpace(m[3])

	if lit := stringLiteral.FindStringSubmatch(rhs); lit != nil {
		if op != "eq" && op != "ne" {
			return "", ErrUnsupportedFilter
		}
		param := nextParam(bindings)
		bindings[param] = unescapeString(lit[1])
		return "[" + field + "] " + comparisonOps[op] + " @" + param, nil
	}

	if integerLiteral.MatchString(rhs) {
		value, err := strconv.ParseInt(rhs, 10, 64)
		if err != nil {
			return "", ErrUnsupportedFilter
		}
		param := nextParam(bindings)
		bindings[param] = value
		return "[" + field + "] " + comparisonOps[op] + " @" + param, nil
	}

	// Bare words, floats, nested expressions: fail closed.
	return "", ErrUnsupportedFilter
}

func translateOrderBy(orderBy string) (string, error) {
	var terms []string
	for _, term := range strings.Split(orderBy, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		m := orderTermPattern.FindStringSubmatch(term)
		if m == nil {
			return "", fmt.Errorf("%w: invalid $orderby term %q", ErrInvalidQuery, term)
		}
		rendered := "[" + m[1] + "]"
		if m[2] != "" {
			rendered += " " + strings.ToUpper(m[2])
		}
		terms = append(terms, rendered)
	}
	if len(terms) == 0 {
		return "", fmt.Errorf("%w: empty $orderby", ErrInvalidQuery)
	}
	return strings.Join(terms, ", "), nil
}

func bracketQualified(qualifiedTable string) (string, error) {
	parts := strings.Split(qualifiedTable, ".")
	if len(parts) == 0 || len(parts) > 2 {
		return "", fmt.Errorf("%w: invalid table name %q", ErrInvalidQuery, qualifiedTable)
	}
	bracketed := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "[]")
		if !identPattern.MatchString(part) {
			return "", fmt.Errorf("%w: invalid table name %q", ErrInvalidQuery, qualifiedTable)
		}
		bracketed = append(bracketed, "["+part+"]")
	}
	return strings.Join(bracketed, "."), nil
}

func nextParam(bindings map[string]any) string {
	return "p" + strconv.Itoa(len(bindings))
}

// unescapeString reverses OData single-quote escaping ('' becomes ').
func unescapeString(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}
