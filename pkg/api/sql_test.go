package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/datagate-io/datagate/pkg/database"
	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/environments"
)

// writeEnvironment lays down environments/<env>/settings.json under root.
func writeEnvironment(t *testing.T, root, env, connectionString string) {
	t.Helper()
	dir := filepath.Join(root, env)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	doc := fmt.Sprintf(`{"ServerName": "test", "ConnectionString": %q}`, connectionString)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(doc), 0o644))
}

// sqlFixture is a SQLExecutor over a seeded sqlite database reachable as
// environment "prod".
type sqlFixture struct {
	executor *SQLExecutor
	pool     *sql.DB
}

func newSQLFixture(t *testing.T) *sqlFixture {
	t.Helper()

	envRoot := t.TempDir()
	dsn := "file:" + filepath.Join(t.TempDir(), "env.db") + "?_pragma=busy_timeout(5000)"
	writeEnvironment(t, envRoot, "prod", dsn)

	resolver, err := environments.NewResolver(envRoot, nil)
	require.NoError(t, err)

	manager := database.NewManager("sqlite")
	t.Cleanup(func() { _ = manager.Close() })

	pool, err := manager.Pool(context.Background(), dsn)
	require.NoError(t, err)
	seedItems(t, pool)

	return &sqlFixture{executor: NewSQLExecutor(manager, resolver), pool: pool}
}

func seedItems(t *testing.T, pool *sql.DB) {
	t.Helper()
	ctx := context.Background()

	_, err := pool.ExecContext(ctx, `CREATE TABLE Items (ItemCode TEXT, Description TEXT, Price INTEGER)`)
	require.NoError(t, err)

	for _, row := range [][]any{
		{"A-100", "Anvil", 25},
		{"B-200", "Bolt cutter", 40},
		{"C-300", "Crowbar", 15},
	} {
		_, err := pool.ExecContext(ctx,
			`INSERT INTO Items (ItemCode, Description, Price) VALUES (@p0, @p1, @p2)`,
			sql.Named("p0", row[0]), sql.Named("p1", row[1]), sql.Named("p2", row[2]))
		require.NoError(t, err)
	}
}

// productsDef mirrors a catalogue endpoint named Products over the Items
// table with a closed column set.
func productsDef() *endpoints.Definition {
	return &endpoints.Definition{
		Kind: endpoints.KindSQL,
		Name: "Products",
		SQL: &endpoints.SQLEndpoint{
			Name:           "Products",
			Schema:         "main",
			ObjectName:     "Items",
			PrimaryKey:     "ItemCode",
			AllowedColumns: []string{"ItemCode", "Description"},
			AllowedMethods: []string{http.MethodGet},
		},
	}
}

func serveSQL(f *sqlFixture, def *endpoints.Definition, method, target, tail string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.executor.Handle(w, r, def, "prod", tail)
	return w
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) listResponse {
	t.Helper()
	var out listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := make(map[string]any)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandleGetProjectsAndPaginates(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	w := serveSQL(f, productsDef(), http.MethodGet, "/api/prod/Products?$select=ItemCode&$top=2", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeList(t, w)
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Value, 2)
	for _, row := range out.Value {
		assert.Len(t, row, 1)
		assert.Contains(t, row, "ItemCode")
	}

	require.NotNil(t, out.NextLink)
	assert.Equal(t, "/api/prod/Products?$top=2&$skip=2&$select=ItemCode", *out.NextLink)
}

func TestHandleGetLastPageHasNoNextLink(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	w := serveSQL(f, productsDef(), http.MethodGet, "/api/prod/Products?$top=3", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeList(t, w)
	assert.Equal(t, 3, out.Count)
	assert.Len(t, out.Value, 3)
	assert.Nil(t, out.NextLink)
}

func TestHandleGetAppliesColumnPolicyWithoutSelect(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	w := serveSQL(f, productsDef(), http.MethodGet, "/api/prod/Products?$orderby=ItemCode", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeList(t, w)
	require.NotEmpty(t, out.Value)
	for _, row := range out.Value {
		assert.Len(t, row, 2)
		assert.Contains(t, row, "ItemCode")
		assert.Contains(t, row, "Description")
	}
	assert.Equal(t, "A-100", out.Value[0]["ItemCode"])
}

func TestHandleGetRejectsDisallowedColumnBeforeResolving(t *testing.T) {
	t.Parallel()

	// The resolver is rooted at an empty directory, so touching the
	// database would answer "Unknown environment" instead.
	resolver, err := environments.NewResolver(t.TempDir(), nil)
	require.NoError(t, err)
	manager := database.NewManager("sqlite")
	t.Cleanup(func() { _ = manager.Close() })
	f := &sqlFixture{executor: NewSQLExecutor(manager, resolver)}

	w := serveSQL(f, productsDef(), http.MethodGet, "/api/prod/Products?$select=Price", "", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	out := decodeError(t, w)
	assert.Equal(t, "Column not allowed", out["error"])
	assert.Equal(t, "Price", out["column"])
	assert.Equal(t, "ItemCode,Description", out["allowedColumns"])
	assert.Equal(t, false, out["success"])
}

func TestHandleGetRejectsUnsupportedFilterBeforeResolving(t *testing.T) {
	t.Parallel()

	resolver, err := environments.NewResolver(t.TempDir(), nil)
	require.NoError(t, err)
	manager := database.NewManager("sqlite")
	t.Cleanup(func() { _ = manager.Close() })
	f := &sqlFixture{executor: NewSQLExecutor(manager, resolver)}

	w := serveSQL(f, productsDef(), http.MethodGet,
		"/api/prod/Products?$filter=Description%20eq%20Hello", "", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	out := decodeError(t, w)
	assert.Equal(t, "Unsupported filter expression", out["error"])
}

func TestHandleGetFiltersRows(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	tests := []struct {
		name      string
		filter    string
		wantCodes []string
	}{
		{"string equality", "ItemCode eq 'A-100'", []string{"A-100"}},
		{"contains", "contains(Description, 'olt')", []string{"B-200"}},
		{"integer comparison", "Price gt 20", []string{"A-100", "B-200"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := productsDef()
			def.SQL.AllowedColumns = nil // filter on any column

			target := "/api/prod/Products?$orderby=ItemCode&$filter=" + strings.ReplaceAll(tc.filter, " ", "%20")
			w := serveSQL(f, def, http.MethodGet, target, "", "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			out := decodeList(t, w)
			codes := make([]string, 0, len(out.Value))
			for _, row := range out.Value {
				codes = append(codes, row["ItemCode"].(string))
			}
			assert.Equal(t, tc.wantCodes, codes)
		})
	}
}

func TestHandleGetByPrimaryKey(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	w := serveSQL(f, productsDef(), http.MethodGet, "/api/prod/Products/B-200", "B-200", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeList(t, w)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "B-200", out.Value[0]["ItemCode"])
	assert.Nil(t, out.NextLink)
}

func TestHandleGetKeyPathValidation(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	t.Run("no primary key configured", func(t *testing.T) {
		def := productsDef()
		def.SQL.PrimaryKey = ""
		w := serveSQL(f, def, http.MethodGet, "/api/prod/Products/B-200", "B-200", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Endpoint does not support key access", decodeError(t, w)["error"])
	})

	t.Run("multi-segment key", func(t *testing.T) {
		w := serveSQL(f, productsDef(), http.MethodGet, "/api/prod/Products/a/b", "a/b", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid key path", decodeError(t, w)["error"])
	})

	t.Run("filter and key together", func(t *testing.T) {
		w := serveSQL(f, productsDef(), http.MethodGet,
			"/api/prod/Products/B-200?$filter=ItemCode%20eq%20'A-100'", "B-200", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Cannot combine $filter with a key path", decodeError(t, w)["error"])
	})
}

func TestHandleGetUnknownEnvironment(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/api/ghost/Products", nil)
	w := httptest.NewRecorder()
	f.executor.Handle(w, r, productsDef(), "ghost", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
	out := decodeError(t, w)
	assert.Equal(t, "Unknown environment", out["error"])
	assert.Equal(t, "ghost", out["environment"])
}

func TestHandleRejectsDisallowedMethod(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	w := serveSQL(f, productsDef(), http.MethodPost, "/api/prod/Products", "", `{"ItemCode":"D-400"}`)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	out := decodeError(t, w)
	assert.Equal(t, "Method not allowed", out["error"])
	assert.Equal(t, "POST", out["method"])
}

// writableDef allows every method and routes writes to a stored procedure.
func writableDef() *endpoints.Definition {
	def := productsDef()
	def.SQL.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
	def.SQL.Procedure = "ItemsProc"
	return def
}

func TestHandleWriteRequiresProcedure(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	def := writableDef()
	def.SQL.Procedure = ""
	w := serveSQL(f, def, http.MethodPost, "/api/prod/Products", "", `{"ItemCode":"D-400"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Endpoint does not support writes", decodeError(t, w)["error"])
}

func TestHandleWriteValidation(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	t.Run("malformed body", func(t *testing.T) {
		w := serveSQL(f, writableDef(), http.MethodPost, "/api/prod/Products", "", `{"ItemCode":`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid JSON body", decodeError(t, w)["error"])
	})

	t.Run("put without id", func(t *testing.T) {
		w := serveSQL(f, writableDef(), http.MethodPut, "/api/prod/Products", "", `{"ItemCode":"A-100"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing id property", decodeError(t, w)["error"])
	})

	t.Run("delete without id", func(t *testing.T) {
		w := serveSQL(f, writableDef(), http.MethodDelete, "/api/prod/Products", "", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing id", decodeError(t, w)["error"])
	})

	t.Run("hostile field name", func(t *testing.T) {
		w := serveSQL(f, writableDef(), http.MethodPost, "/api/prod/Products", "", `{"x = 1; DROP": 1}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		out := decodeError(t, w)
		assert.Equal(t, "Invalid field name", out["error"])
		assert.Equal(t, "x = 1; DROP", out["field"])
	})
}

func TestHandleWriteProcedureFailureIsInternal(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	// sqlite cannot parse EXEC, standing in for a broken procedure.
	w := serveSQL(f, writableDef(), http.MethodPost, "/api/prod/Products", "", `{"ItemCode":"D-400"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Procedure execution failed", decodeError(t, w)["error"])
}

func TestBuildProcCall(t *testing.T) {
	t.Parallel()

	call := buildProcCall("dbo", "ItemsProc", []string{"Method", "UserName", "ItemCode"})
	assert.Equal(t,
		"EXEC [dbo].[ItemsProc] @Method = @Method, @UserName = @UserName, @ItemCode = @ItemCode",
		call)
}

func TestWriteVerb(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "INSERT", writeVerb(http.MethodPost))
	assert.Equal(t, "UPDATE", writeVerb(http.MethodPut))
	assert.Equal(t, "DELETE", writeVerb(http.MethodDelete))
}

func TestProcArg(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain", procArg("plain"))
	assert.Equal(t, 2.5, procArg(2.5))
	assert.Equal(t, true, procArg(true))
	assert.Nil(t, procArg(nil))
	assert.JSONEq(t, `{"a":1}`, procArg(map[string]any{"a": float64(1)}).(string))
	assert.JSONEq(t, `[1,2]`, procArg([]any{float64(1), float64(2)}).(string))
}

func TestNextLinkEchoesRequestedOptions(t *testing.T) {
	t.Parallel()
	f := newSQLFixture(t)

	def := productsDef()
	def.SQL.AllowedColumns = nil

	target := "/api/prod/Products?$top=1&$skip=1&$select=ItemCode&$orderby=ItemCode&$filter=Price%20gt%200"
	w := serveSQL(f, def, http.MethodGet, target, "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeList(t, w)
	require.NotNil(t, out.NextLink)
	assert.Equal(t,
		"/api/prod/Products?$top=1&$skip=2&$select=ItemCode&$filter=Price+gt+0&$orderby=ItemCode",
		*out.NextLink)
}
