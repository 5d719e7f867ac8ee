// Package odata translates the supported subset of OData query options
// into parameterised SQL. The translator is a pure function of its inputs:
// it produces a statement with @pN placeholders and a bindings map, and
// never interpolates request values into the SQL text.
package odata

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTop is the page size applied when a request carries no $top.
const DefaultTop = 10

// ErrUnsupportedFilter is returned for $filter expressions outside the
// recognised grammar. Unrecognised input is rejected, never passed through.
var ErrUnsupportedFilter = errors.New("unsupported filter expression")

// ErrInvalidQuery is returned for malformed query options other than $filter.
var ErrInvalidQuery = errors.New("invalid query option")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query is the parsed form of the supported OData options.
type Query struct {
	Select  []string
	Filter  string
	OrderBy string
	Top     int
	Skip    int
}

// ParseQuery extracts the supported OData options from a request query.
// $top defaults to DefaultTop and $skip to zero; both must be non-negative
// integers. $select columns must be plain identifiers.
func ParseQuery(values url.Values) (Query, error) {
	q := Query{Top: DefaultTop}

	if raw := values.Get("$select"); raw != "" {
		for _, col := range strings.Split(raw, ",") {
			col = strings.TrimSpace(col)
			if col == "" {
				continue
			}
			if !identPattern.MatchString(col) {
				return Query{}, fmt.Errorf("%w: invalid $select column %q", ErrInvalidQuery, col)
			}
			q.Select = append(q.Select, col)
		}
	}

	q.Filter = strings.TrimSpace(values.Get("$filter"))
	q.OrderBy = strings.TrimSpace(values.Get("$orderby"))

	if raw := values.Get("$top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, fmt.Errorf("%w: $top must be a non-negative integer", ErrInvalidQuery)
		}
		q.Top = n
	}
	if raw := values.Get("$skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, fmt.Errorf("%w: $skip must be a non-negative integer", ErrInvalidQuery)
		}
		q.Skip = n
	}

	return q, nil
}
