// Package environments resolves environment names to database connection
// details. Records come from the remote secret store when one is configured,
// falling back to per-environment settings files on disk. Resolved records
// are cached for the lifetime of the process; secrets are rolled by
// restarting the gateway.
package environments

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/datagate-io/datagate/pkg/logger"
	"github.com/datagate-io/datagate/pkg/secrets"
)

// ErrEnvironmentUnknown is returned when an environment cannot be resolved
// from any configured source.
var ErrEnvironmentUnknown = errors.New("unknown environment")

// Record is a resolved environment.
type Record struct {
	// ConnectionString is the database connection string for the environment.
	ConnectionString string

	// ServerName is the environment's server identity. May be empty.
	ServerName string
}

// envNamePattern constrains environment names taken from the request path.
// Anything outside it would also be unsafe to join into a filesystem path.
var envNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Suffixes of the secret names consulted in the remote store.
const (
	connectionStringSuffix = "-ConnectionString"
	serverNameSuffix       = "-ServerName"
)

// Resolver maps environment names to Records. Environment names are treated
// case-insensitively; the casing seen first is used for source lookups.
type Resolver struct {
	root  string           // environments directory
	store secrets.Provider // nil when no remote store is configured

	rootSettings *RootSettings

	cacheMu sync.RWMutex
	cache   map[string]Record

	// group coalesces concurrent first-use lookups per environment.
	group singleflight.Group
}

// NewResolver builds a resolver over the environments directory at root.
// store may be nil; resolution then uses only local settings files.
func NewResolver(root string, store secrets.Provider) (*Resolver, error) {
	rootSettings, err := LoadRootSettings(root)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		root:         root,
		store:        store,
		rootSettings: rootSettings,
		cache:        make(map[string]Record),
	}, nil
}

// Resolve returns the Record for env, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, env string) (Record, error) {
	if !envNamePattern.MatchString(env) {
		return Record{}, fmt.Errorf("environment name %q: %w", env, ErrEnvironmentUnknown)
	}
	if !r.allowed(env) {
		return Record{}, fmt.Errorf("environment %q is not in the allowed list: %w", env, ErrEnvironmentUnknown)
	}

	key := strings.ToLower(env)

	if record, ok := r.cached(key); ok {
		return record, nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		// Another caller may have resolved the environment while this one
		// waited on the flight group.
		if record, ok := r.cached(key); ok {
			return record, nil
		}

		record, err := r.resolveUncached(ctx, env)
		if err != nil {
			return Record{}, err
		}

		r.cacheMu.Lock()
		r.cache[key] = record
		r.cacheMu.Unlock()

		logger.Infof("Resolved environment %s (server %q)", env, record.ServerName)
		logger.Debugf("Environment %s connection: %s", env, SanitizeConnectionString(record.ConnectionString))
		return record, nil
	})
	if err != nil {
		return Record{}, err
	}

	return result.(Record), nil
}

// CachedEnvironments returns the (lower-cased) names of the environments
// resolved so far, sorted.
func (r *Resolver) CachedEnvironments() []string {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) cached(key string) (Record, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	record, ok := r.cache[key]
	return record, ok
}

// allowed checks env against the root allowlist.
func (r *Resolver) allowed(env string) bool {
	if r.rootSettings == nil || len(r.rootSettings.Environment.AllowedEnvironments) == 0 {
		return true
	}
	for _, candidate := range r.rootSettings.Environment.AllowedEnvironments {
		if strings.EqualFold(candidate, env) {
			return true
		}
	}
	return false
}

func (r *Resolver) resolveUncached(ctx context.Context, env string) (Record, error) {
	if r.store != nil {
		if record, ok := r.resolveRemote(ctx, env); ok {
			return record, nil
		}
	}
	return r.resolveLocal(env)
}

// resolveRemote attempts the secret store. It reports ok=false when the
// store cannot supply the environment and local settings should be tried.
func (r *Resolver) resolveRemote(ctx context.Context, env string) (Record, bool) {
	connectionString, err := r.store.GetSecret(ctx, env+connectionStringSuffix)
	if err != nil {
		if secrets.Fallthrough(err) {
			logger.Debugf("Environment %s not available from secret store: %v", env, err)
		} else {
			logger.Warnf("Secret store lookup for environment %s failed, trying local settings: %v", env, err)
		}
		return Record{}, false
	}

	record := Record{ConnectionString: connectionString}

	serverName, err := r.store.GetSecret(ctx, env+serverNameSuffix)
	if err == nil {
		record.ServerName = serverName
		return record, true
	}

	// The server name is optional in the store; fall back to local settings
	// for just that field.
	logger.Debugf("Server name for environment %s not in secret store: %v", env, err)
	record.ServerName = r.localServerName(env)
	return record, true
}

func (r *Resolver) resolveLocal(env string) (Record, error) {
	settings, err := LoadEnvironmentSettings(r.root, env)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("environment %q: %w", env, ErrEnvironmentUnknown)
		}
		return Record{}, err
	}

	if settings.ConnectionString == "" {
		return Record{}, fmt.Errorf("environment %q settings have no connection string: %w", env, ErrEnvironmentUnknown)
	}

	serverName := settings.ServerName
	if serverName == "" && r.rootSettings != nil {
		serverName = r.rootSettings.Environment.ServerName
	}

	return Record{
		ConnectionString: settings.ConnectionString,
		ServerName:       serverName,
	}, nil
}

// localServerName returns the best locally configured server name for env.
func (r *Resolver) localServerName(env string) string {
	if settings, err := LoadEnvironmentSettings(r.root, env); err == nil && settings.ServerName != "" {
		return settings.ServerName
	}
	if r.rootSettings != nil {
		return r.rootSettings.Environment.ServerName
	}
	return ""
}
