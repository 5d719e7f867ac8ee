package environments

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datagate-io/datagate/pkg/secrets"
)

// fakeStore is an in-memory secrets.Provider that records lookups.
type fakeStore struct {
	mu      sync.Mutex
	values  map[string]string
	errs    map[string]error
	delay   time.Duration
	lookups map[string]int
}

func newFakeStore(values map[string]string) *fakeStore {
	return &fakeStore{
		values:  values,
		errs:    make(map[string]error),
		lookups: make(map[string]int),
	}
}

func (f *fakeStore) GetSecret(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	f.lookups[name]++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if err, ok := f.errs[name]; ok {
		return "", err
	}
	if value, ok := f.values[name]; ok {
		return value, nil
	}
	return "", secrets.ErrSecretNotFound
}

func (f *fakeStore) lookupCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[name]
}

func writeEnvSettings(t *testing.T, root, env, content string) {
	t.Helper()
	dir := filepath.Join(root, env)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, settingsFileName), []byte(content), 0o644))
}

func writeRootSettings(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, settingsFileName), []byte(content), 0o644))
}

func TestResolveFromStore(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string]string{
		"prod-ConnectionString": "Server=proddb;Database=app;Password=x",
		"prod-ServerName":       "proddb.internal",
	})

	resolver, err := NewResolver(t.TempDir(), store)
	require.NoError(t, err)

	record, err := resolver.Resolve(context.Background(), "prod")
	require.NoError(t, err)

	assert.Equal(t, "Server=proddb;Database=app;Password=x", record.ConnectionString)
	assert.Equal(t, "proddb.internal", record.ServerName)
}

func TestResolveStoreMissingServerNameUsesLocal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeRootSettings(t, root, `{"Environment": {"ServerName": "default.internal"}}`)
	writeEnvSettings(t, root, "dev", `{"ServerName": "devdb.internal", "ConnectionString": "ignored"}`)

	store := newFakeStore(map[string]string{
		"dev-ConnectionString": "Server=devdb;Database=app",
	})

	resolver, err := NewResolver(root, store)
	require.NoError(t, err)

	record, err := resolver.Resolve(context.Background(), "dev")
	require.NoError(t, err)

	assert.Equal(t, "Server=devdb;Database=app", record.ConnectionString)
	assert.Equal(t, "devdb.internal", record.ServerName)
}

func TestResolveFallsThroughToLocalSettings(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeEnvSettings(t, root, "600", `{
		// staging copy of the customer database
		"ServerName": "db600",
		"ConnectionString": "Server=db600;Database=app",
	}`)

	store := newFakeStore(nil)

	resolver, err := NewResolver(root, store)
	require.NoError(t, err)

	record, err := resolver.Resolve(context.Background(), "600")
	require.NoError(t, err)

	assert.Equal(t, "Server=db600;Database=app", record.ConnectionString)
	assert.Equal(t, "db600", record.ServerName)
}

func TestResolveStoreErrorStillFallsBack(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeEnvSettings(t, root, "prod", `{"ConnectionString": "Server=local;Database=app"}`)

	store := newFakeStore(nil)
	store.errs["prod-ConnectionString"] = assert.AnError

	resolver, err := NewResolver(root, store)
	require.NoError(t, err)

	record, err := resolver.Resolve(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, "Server=local;Database=app", record.ConnectionString)
}

func TestResolveUnknownEnvironment(t *testing.T) {
	t.Parallel()

	resolver, err := NewResolver(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "nowhere")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentUnknown)
}

func TestResolveMissingConnectionString(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeEnvSettings(t, root, "dev", `{"ServerName": "devdb"}`)

	resolver, err := NewResolver(root, nil)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentUnknown)
}

func TestResolveRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	resolver, err := NewResolver(t.TempDir(), store)
	require.NoError(t, err)

	for _, env := range []string{"", "../prod", "a/b", "name with spaces", "semi;colon"} {
		_, err := resolver.Resolve(context.Background(), env)
		assert.ErrorIs(t, err, ErrEnvironmentUnknown, "environment %q should be rejected", env)
	}

	assert.Zero(t, store.lookupCount("../prod-ConnectionString"), "unsafe names must not reach the store")
}

func TestResolveHonoursAllowlist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeRootSettings(t, root, `{"Environment": {"ServerName": "shared", "AllowedEnvironments": ["prod", "dev"]}}`)
	writeEnvSettings(t, root, "staging", `{"ConnectionString": "Server=x"}`)

	store := newFakeStore(map[string]string{
		"staging-ConnectionString": "Server=y",
	})

	resolver, err := NewResolver(root, store)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "staging")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentUnknown)
	assert.Zero(t, store.lookupCount("staging-ConnectionString"))

	// Allowlist matching ignores case.
	writeEnvSettings(t, root, "PROD", `{"ConnectionString": "Server=prod"}`)
	_, err = resolver.Resolve(context.Background(), "PROD")
	require.NoError(t, err)
}

func TestResolveCachesRecords(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string]string{
		"prod-ConnectionString": "Server=proddb",
		"prod-ServerName":       "proddb",
	})

	resolver, err := NewResolver(t.TempDir(), store)
	require.NoError(t, err)

	first, err := resolver.Resolve(context.Background(), "prod")
	require.NoError(t, err)

	// Same environment under different casing comes from the cache.
	second, err := resolver.Resolve(context.Background(), "PROD")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.lookupCount("prod-ConnectionString"))
	assert.Equal(t, []string{"prod"}, resolver.CachedEnvironments())
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string]string{
		"prod-ConnectionString": "Server=proddb",
		"prod-ServerName":       "proddb",
	})
	store.delay = 20 * time.Millisecond

	resolver, err := NewResolver(t.TempDir(), store)
	require.NoError(t, err)

	const callers = 16

	var wg sync.WaitGroup
	records := make([]Record, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = resolver.Resolve(context.Background(), "prod")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, records[0], records[i])
	}

	assert.Equal(t, 1, store.lookupCount("prod-ConnectionString"),
		"concurrent first-use lookups should be coalesced")
}

func TestResolveFailuresAreNotCached(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	resolver, err := NewResolver(root, nil)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "late")
	require.Error(t, err)

	// The environment appears after the first failed lookup.
	writeEnvSettings(t, root, "late", `{"ConnectionString": "Server=latedb"}`)

	record, err := resolver.Resolve(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, "Server=latedb", record.ConnectionString)
}

func TestNewResolverRejectsMalformedRootSettings(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeRootSettings(t, root, `{"Environment": `)

	_, err := NewResolver(root, nil)
	require.Error(t, err)
}

func TestResolveMalformedEnvironmentSettings(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeEnvSettings(t, root, "dev", `not json at all`)

	resolver, err := NewResolver(root, nil)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "dev")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEnvironmentUnknown)
}
