// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/database"
	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/environments"
	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
	"github.com/datagate-io/datagate/pkg/odata"
)

// fieldNamePattern constrains JSON property names used as procedure
// parameters. Anything else would be unsafe to place in the EXEC statement.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLExecutor runs OData reads and stored-procedure writes against the
// environment's database.
type SQLExecutor struct {
	pools    *database.Manager
	resolver *environments.Resolver
}

// NewSQLExecutor creates an executor over the shared pool manager and
// environment resolver.
func NewSQLExecutor(pools *database.Manager, resolver *environments.Resolver) *SQLExecutor {
	return &SQLExecutor{pools: pools, resolver: resolver}
}

// listResponse is the GET envelope. NextLink is null on the last page.
type listResponse struct {
	Count    int              `json:"Count"`
	Value    []map[string]any `json:"Value"`
	NextLink *string          `json:"NextLink"`
}

// writeResponse is the POST/PUT/DELETE envelope.
type writeResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Result  map[string]any `json:"result"`
}

// Handle serves one request against a SQL endpoint. tail, when present, is
// the primary-key path segment.
func (e *SQLExecutor) Handle(w http.ResponseWriter, r *http.Request, def *endpoints.Definition, environment, tail string) {
	if !def.AllowsMethod(r.Method) {
		httperr.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", map[string]any{
			"endpoint": def.Name,
			"method":   r.Method,
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		e.handleGet(w, r, def.SQL, environment, tail)
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		e.handleWrite(w, r, def.SQL, environment, tail)
	default:
		writeMethodNotAllowed(w, r.Method)
	}
}

// handleGet reads one page. All request validation happens before the
// environment is resolved, so a bad request never costs a database trip.
func (e *SQLExecutor) handleGet(w http.ResponseWriter, r *http.Request, def *endpoints.SQLEndpoint, environment, tail string) {
	query, err := odata.ParseQuery(r.URL.Query())
	if err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "Invalid query option", map[string]any{
			"detail": err.Error(),
		})
		return
	}
	requested := query

	columns, err := projectColumns(def, query.Select)
	if err != nil {
		var colErr *columnError
		if errors.As(err, &colErr) {
			httperr.WriteError(w, http.StatusBadRequest, "Column not allowed", map[string]any{
				"column":         colErr.column,
				"allowedColumns": strings.Join(def.AllowedColumns, ","),
			})
			return
		}
		httperr.WriteError(w, http.StatusBadRequest, "Invalid query option", nil)
		return
	}
	query.Select = columns

	if tail != "" {
		filter, err := keyFilter(def, query.Filter, tail)
		if err != nil {
			httperr.WriteError(w, http.StatusBadRequest, err.Error(), map[string]any{
				"endpoint": def.Name,
			})
			return
		}
		query.Filter = filter
	}

	// One extra row tells us whether a next page exists.
	paged := query
	paged.Top = query.Top + 1

	stmt, err := odata.Translate(qualifiedObject(def), paged)
	if err != nil {
		if errors.Is(err, odata.ErrUnsupportedFilter) {
			httperr.WriteError(w, http.StatusBadRequest, "Unsupported filter expression", map[string]any{
				"filter": query.Filter,
			})
			return
		}
		httperr.WriteError(w, http.StatusBadRequest, "Invalid query option", map[string]any{
			"detail": err.Error(),
		})
		return
	}

	pool, ok := e.pool(w, r, environment)
	if !ok {
		return
	}

	rows, err := pool.QueryContext(r.Context(), stmt.SQL, stmt.Args()...)
	if err != nil {
		logger.Errorf("Query failed for endpoint %s: %v", def.Name, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Query execution failed", map[string]any{
			"endpoint": def.Name,
		})
		return
	}
	defer func() { _ = rows.Close() }()

	value, err := scanRows(rows)
	if err != nil {
		logger.Errorf("Row scan failed for endpoint %s: %v", def.Name, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Query execution failed", map[string]any{
			"endpoint": def.Name,
		})
		return
	}

	response := listResponse{Value: value}
	if len(value) > query.Top {
		response.Value = value[:query.Top]
		link := nextLink(r.URL.Path, requested)
		response.NextLink = &link
	}
	response.Count = len(response.Value)

	writeJSON(w, http.StatusOK, response)
}

// handleWrite dispatches POST, PUT and DELETE to the endpoint's stored
// procedure.
func (e *SQLExecutor) handleWrite(w http.ResponseWriter, r *http.Request, def *endpoints.SQLEndpoint, environment, tail string) {
	if def.Procedure == "" {
		httperr.WriteError(w, http.StatusBadRequest, "Endpoint does not support writes", map[string]any{
			"endpoint": def.Name,
		})
		return
	}

	verb := writeVerb(r.Method)
	args := []any{
		sql.Named("Method", verb),
		sql.Named("UserName", auth.Username(r.Context())),
	}
	fields := []string{"Method", "UserName"}

	if r.Method == http.MethodDelete {
		if tail == "" || strings.Contains(tail, "/") {
			httperr.WriteError(w, http.StatusBadRequest, "Missing id", map[string]any{
				"endpoint": def.Name,
			})
			return
		}
		args = append(args, sql.Named("id", tail))
		fields = append(fields, "id")
	} else {
		body, ok := readJSONBody(w, r)
		if !ok {
			return
		}

		if r.Method == http.MethodPut && !hasIDProperty(body) {
			httperr.WriteError(w, http.StatusBadRequest, "Missing id property", map[string]any{
				"endpoint": def.Name,
			})
			return
		}

		for _, field := range sortedKeys(body) {
			if !fieldNamePattern.MatchString(field) {
				httperr.WriteError(w, http.StatusBadRequest, "Invalid field name", map[string]any{
					"field": field,
				})
				return
			}
			args = append(args, sql.Named(field, procArg(body[field])))
			fields = append(fields, field)
		}
	}

	pool, ok := e.pool(w, r, environment)
	if !ok {
		return
	}

	call := buildProcCall(def.Schema, def.Procedure, fields)
	rows, err := pool.QueryContext(r.Context(), call, args...)
	if err != nil {
		logger.Errorf("Procedure %s failed for endpoint %s: %v", def.Procedure, def.Name, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Procedure execution failed", map[string]any{
			"endpoint": def.Name,
		})
		return
	}
	defer func() { _ = rows.Close() }()

	results, err := scanRows(rows)
	if err != nil {
		logger.Errorf("Procedure %s result scan failed for endpoint %s: %v", def.Procedure, def.Name, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Procedure execution failed", map[string]any{
			"endpoint": def.Name,
		})
		return
	}

	response := writeResponse{Success: true, Message: verb + " completed"}
	if len(results) > 0 {
		response.Result = results[0]
	}
	writeJSON(w, http.StatusOK, response)
}

// pool resolves the environment and returns its connection pool, writing
// the error response itself when either step fails.
func (e *SQLExecutor) pool(w http.ResponseWriter, r *http.Request, environment string) (*sql.DB, bool) {
	record, err := e.resolver.Resolve(r.Context(), environment)
	if err != nil {
		if errors.Is(err, environments.ErrEnvironmentUnknown) {
			httperr.WriteError(w, http.StatusBadRequest, "Unknown environment", map[string]any{
				"environment": environment,
			})
			return nil, false
		}
		logger.Errorf("Environment resolution failed for %s: %v", environment, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Environment resolution failed", nil)
		return nil, false
	}

	pool, err := e.pools.Pool(r.Context(), record.ConnectionString)
	if err != nil {
		logger.Errorf("Pool acquisition failed for environment %s: %v", environment, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Database unavailable", nil)
		return nil, false
	}
	return pool, true
}

// columnError reports a $select column outside the endpoint's allow-list.
type columnError struct {
	column string
}

func (e *columnError) Error() string {
	return fmt.Sprintf("column %s is not allowed", e.column)
}

// projectColumns applies the endpoint's column policy to the requested
// $select list. With a policy and no $select, exactly the allowed columns
// are projected.
func projectColumns(def *endpoints.SQLEndpoint, requested []string) ([]string, error) {
	if len(def.AllowedColumns) == 0 {
		return requested, nil
	}
	if len(requested) == 0 {
		return def.AllowedColumns, nil
	}
	for _, column := range requested {
		allowed := slices.ContainsFunc(def.AllowedColumns, func(a string) bool {
			return strings.EqualFold(a, column)
		})
		if !allowed {
			return nil, &columnError{column: column}
		}
	}
	return requested, nil
}

// keyFilter turns the primary-key path segment into a filter expression.
func keyFilter(def *endpoints.SQLEndpoint, existing, tail string) (string, error) {
	if def.PrimaryKey == "" {
		return "", errors.New("Endpoint does not support key access")
	}
	if strings.Contains(tail, "/") {
		return "", errors.New("Invalid key path")
	}
	if existing != "" {
		return "", errors.New("Cannot combine $filter with a key path")
	}
	escaped := strings.ReplaceAll(tail, "'", "''")
	return fmt.Sprintf("%s eq '%s'", def.PrimaryKey, escaped), nil
}

// qualifiedObject renders the schema-qualified object name for translation.
func qualifiedObject(def *endpoints.SQLEndpoint) string {
	return def.Schema + "." + def.ObjectName
}

// nextLink rebuilds the request URL for the next page, echoing the caller's
// own query options.
func nextLink(path string, q odata.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s?$top=%d&$skip=%d", path, q.Top, q.Skip+q.Top)
	if len(q.Select) > 0 {
		b.WriteString("&$select=")
		b.WriteString(url.QueryEscape(strings.Join(q.Select, ",")))
	}
	if q.Filter != "" {
		b.WriteString("&$filter=")
		b.WriteString(url.QueryEscape(q.Filter))
	}
	if q.OrderBy != "" {
		b.WriteString("&$orderby=")
		b.WriteString(url.QueryEscape(q.OrderBy))
	}
	return b.String()
}

// scanRows reads every row into a column-keyed map. Byte slices become
// strings so the envelope marshals as text rather than base64.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))

	for rows.Next() {
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[column] = value
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// writeVerb maps the HTTP method to the procedure's @Method value.
func writeVerb(method string) string {
	switch method {
	case http.MethodPost:
		return "INSERT"
	case http.MethodPut:
		return "UPDATE"
	default:
		return "DELETE"
	}
}

// hasIDProperty reports whether the body carries the id under one of its
// accepted spellings.
func hasIDProperty(body map[string]any) bool {
	for _, key := range []string{"id", "Id", "ID"} {
		if _, ok := body[key]; ok {
			return true
		}
	}
	return false
}

// procArg converts a decoded JSON value into a driver-friendly parameter.
// Nested objects and arrays travel as JSON text.
func procArg(value any) any {
	switch v := value.(type) {
	case string, float64, bool, nil:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// buildProcCall renders the EXEC statement with one named parameter per
// field. Field names are validated against fieldNamePattern before they
// reach this point.
func buildProcCall(schema, procedure string, fields []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EXEC [%s].[%s]", schema, procedure)
	for i, field := range fields {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " @%s = @%s", field, field)
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
