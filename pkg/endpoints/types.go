// Package endpoints defines the gateway's endpoint catalogue: the typed
// definitions parsed from entity.json files, the registry that publishes
// them, and the watcher that keeps the registry current.
package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tailscale/hujson"
)

// Kind discriminates endpoint definitions. SQL, Proxy, Webhooks and Files
// correspond to directories under the endpoint root; Composite is a Proxy
// definition promoted by its Type field.
type Kind string

// Endpoint kinds.
const (
	KindSQL       Kind = "SQL"
	KindProxy     Kind = "Proxy"
	KindComposite Kind = "Composite"
	KindWebhooks  Kind = "Webhooks"
	KindFiles     Kind = "Files"
)

// directoryKinds maps endpoint-root subdirectory names to kinds.
var directoryKinds = map[string]Kind{
	"SQL":      KindSQL,
	"Proxy":    KindProxy,
	"Webhooks": KindWebhooks,
	"Files":    KindFiles,
}

// KindForDirectory resolves a subdirectory name under the endpoint root to
// its kind. The match is case-insensitive.
func KindForDirectory(dir string) (Kind, bool) {
	for name, kind := range directoryKinds {
		if strings.EqualFold(name, dir) {
			return kind, true
		}
	}
	return "", false
}

// SQLEndpoint exposes a table or view through the OData subset, and
// optionally a stored procedure for writes.
type SQLEndpoint struct {
	Name                string
	Schema              string
	ObjectName          string
	PrimaryKey          string
	AllowedColumns      []string
	AllowedMethods      []string
	Procedure           string
	AllowedEnvironments []string
}

// ProxyEndpoint forwards requests to an upstream base URL.
type ProxyEndpoint struct {
	Name                string
	TargetURL           string
	AllowedMethods      []string
	IsPrivate           bool
	MaxConcurrency      int
	AllowedEnvironments []string
}

// CompositeEndpoint chains calls to proxy endpoints with value propagation.
type CompositeEndpoint struct {
	Name                string
	BaseURL             string
	AllowedMethods      []string
	AllowedEnvironments []string
	Config              CompositeConfig
}

// WebhookEndpoint persists inbound JSON payloads into a table.
type WebhookEndpoint struct {
	Name                string
	Schema              string
	Table               string
	AllowedWebhookIDs   []string
	AllowedEnvironments []string
}

// FilesEndpoint names a binary storage surface. File serving is handled by
// an external collaborator; the registry only catalogues these definitions.
type FilesEndpoint struct {
	Name                string
	Directory           string
	AllowedEnvironments []string
}

// CompositeConfig is the ordered step plan of a composite endpoint.
type CompositeConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Step is one call in a composite flow.
type Step struct {
	Name                    string            `json:"name"`
	Endpoint                string            `json:"endpoint"`
	Method                  string            `json:"method"`
	DependsOn               string            `json:"dependsOn,omitempty"`
	SourceProperty          string            `json:"sourceProperty,omitempty"`
	IsArray                 bool              `json:"isArray,omitempty"`
	ArrayProperty           string            `json:"arrayProperty,omitempty"`
	TemplateTransformations map[string]string `json:"templateTransformations,omitempty"`
}

// Definition is one catalogued endpoint. Exactly one of the kind-specific
// fields is non-nil, matching Kind.
type Definition struct {
	Kind Kind
	Name string
	Path string

	SQL       *SQLEndpoint
	Proxy     *ProxyEndpoint
	Composite *CompositeEndpoint
	Webhook   *WebhookEndpoint
	Files     *FilesEndpoint
}

// AllowedEnvironments returns the environment allow-list of the definition.
// Empty means visible in any environment.
func (d *Definition) AllowedEnvironments() []string {
	switch d.Kind {
	case KindSQL:
		return d.SQL.AllowedEnvironments
	case KindProxy:
		return d.Proxy.AllowedEnvironments
	case KindComposite:
		return d.Composite.AllowedEnvironments
	case KindWebhooks:
		return d.Webhook.AllowedEnvironments
	case KindFiles:
		return d.Files.AllowedEnvironments
	}
	return nil
}

// VisibleIn reports whether the definition may be used from env.
func (d *Definition) VisibleIn(env string) bool {
	allowed := d.AllowedEnvironments()
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, env) {
			return true
		}
	}
	return false
}

// AllowedMethods returns the method allow-list of the definition.
func (d *Definition) AllowedMethods() []string {
	switch d.Kind {
	case KindSQL:
		return d.SQL.AllowedMethods
	case KindProxy:
		return d.Proxy.AllowedMethods
	case KindComposite:
		return d.Composite.AllowedMethods
	case KindWebhooks:
		return []string{http.MethodPost}
	}
	return nil
}

// AllowsMethod reports whether the HTTP method is in the allow-list.
func (d *Definition) AllowsMethod(method string) bool {
	for _, m := range d.AllowedMethods() {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// IsPrivate reports whether the definition is hidden from documentation
// and listing surfaces.
func (d *Definition) IsPrivate() bool {
	return d.Kind == KindProxy && d.Proxy.IsPrivate
}

// entityFile is the on-disk shape of entity.json. One schema covers all
// kinds; parsing decides which fields are required.
type entityFile struct {
	Name                string           `json:"name"`
	Type                string           `json:"type"`
	Schema              string           `json:"schema"`
	ObjectName          string           `json:"objectName"`
	PrimaryKey          string           `json:"primaryKey"`
	AllowedColumns      []string         `json:"allowedColumns"`
	AllowedMethods      []string         `json:"allowedMethods"`
	Procedure           string           `json:"procedure"`
	AllowedEnvironments []string         `json:"allowedEnvironments"`
	TargetURL           string           `json:"targetUrl"`
	IsPrivate           bool             `json:"isPrivate"`
	MaxConcurrency      int              `json:"maxConcurrency"`
	BaseURL             string           `json:"baseUrl"`
	Config              *CompositeConfig `json:"config"`
	Table               string           `json:"table"`
	AllowedWebhookIDs   []string         `json:"allowedWebhookIds"`
	Directory           string           `json:"directory"`
}

// defaultSchema is applied when a SQL or webhook definition omits schema.
const defaultSchema = "dbo"

// ParseDefinition parses one entity.json document. dirKind is the kind
// derived from the directory the file lives in, dirName the endpoint
// directory name used when the document omits its own name, and path the
// source file recorded for diagnostics.
//
// The file may contain comments and trailing commas; it is standardized
// before unmarshalling.
func ParseDefinition(dirKind Kind, dirName string, data []byte, path string) (*Definition, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize JSON: %w", err)
	}

	var entity entityFile
	if err := json.Unmarshal(standardized, &entity); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	name := entity.Name
	if name == "" {
		name = dirName
	}
	if name == "" {
		return nil, fmt.Errorf("definition has no name")
	}

	switch dirKind {
	case KindSQL:
		return parseSQL(name, &entity, path)
	case KindProxy:
		if strings.EqualFold(entity.Type, "Composite") {
			return parseComposite(name, &entity, path)
		}
		return parseProxy(name, &entity, path)
	case KindWebhooks:
		return parseWebhook(name, &entity, path)
	case KindFiles:
		return parseFiles(name, &entity, path)
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %q", dirKind)
	}
}

func parseSQL(name string, entity *entityFile, path string) (*Definition, error) {
	if entity.ObjectName == "" {
		return nil, fmt.Errorf("SQL endpoint %s: objectName is required", name)
	}
	schema := entity.Schema
	if schema == "" {
		schema = defaultSchema
	}
	methods, err := normalizeMethods(entity.AllowedMethods, []string{http.MethodGet})
	if err != nil {
		return nil, fmt.Errorf("SQL endpoint %s: %w", name, err)
	}
	return &Definition{
		Kind: KindSQL,
		Name: name,
		Path: path,
		SQL: &SQLEndpoint{
			Name:                name,
			Schema:              schema,
			ObjectName:          entity.ObjectName,
			PrimaryKey:          entity.PrimaryKey,
			AllowedColumns:      entity.AllowedColumns,
			AllowedMethods:      methods,
			Procedure:           entity.Procedure,
			AllowedEnvironments: entity.AllowedEnvironments,
		},
	}, nil
}

func parseProxy(name string, entity *entityFile, path string) (*Definition, error) {
	if entity.TargetURL == "" {
		return nil, fmt.Errorf("proxy endpoint %s: targetUrl is required", name)
	}
	if _, err := url.Parse(entity.TargetURL); err != nil {
		return nil, fmt.Errorf("proxy endpoint %s: invalid targetUrl: %w", name, err)
	}
	methods, err := normalizeMethods(entity.AllowedMethods,
		[]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete})
	if err != nil {
		return nil, fmt.Errorf("proxy endpoint %s: %w", name, err)
	}
	return &Definition{
		Kind: KindProxy,
		Name: name,
		Path: path,
		Proxy: &ProxyEndpoint{
			Name:                name,
			TargetURL:           strings.TrimRight(entity.TargetURL, "/"),
			AllowedMethods:      methods,
			IsPrivate:           entity.IsPrivate,
			MaxConcurrency:      entity.MaxConcurrency,
			AllowedEnvironments: entity.AllowedEnvironments,
		},
	}, nil
}

func parseComposite(name string, entity *entityFile, path string) (*Definition, error) {
	if entity.Config == nil {
		return nil, fmt.Errorf("composite endpoint %s: config is required", name)
	}
	if len(entity.Config.Steps) == 0 {
		return nil, fmt.Errorf("composite endpoint %s: config.steps must not be empty", name)
	}
	if entity.Config.Name == "" {
		entity.Config.Name = name
	}
	if err := validateCompositeConfig(entity.Config); err != nil {
		return nil, fmt.Errorf("composite endpoint %s: %w", name, err)
	}
	methods, err := normalizeMethods(entity.AllowedMethods, []string{http.MethodPost})
	if err != nil {
		return nil, fmt.Errorf("composite endpoint %s: %w", name, err)
	}
	return &Definition{
		Kind: KindComposite,
		Name: name,
		Path: path,
		Composite: &CompositeEndpoint{
			Name:                name,
			BaseURL:             strings.TrimRight(entity.BaseURL, "/"),
			AllowedMethods:      methods,
			AllowedEnvironments: entity.AllowedEnvironments,
			Config:              *entity.Config,
		},
	}, nil
}

func parseWebhook(name string, entity *entityFile, path string) (*Definition, error) {
	if entity.Table == "" {
		return nil, fmt.Errorf("webhook endpoint %s: table is required", name)
	}
	if len(entity.AllowedWebhookIDs) == 0 {
		return nil, fmt.Errorf("webhook endpoint %s: allowedWebhookIds must not be empty", name)
	}
	schema := entity.Schema
	if schema == "" {
		schema = defaultSchema
	}
	return &Definition{
		Kind: KindWebhooks,
		Name: name,
		Path: path,
		Webhook: &WebhookEndpoint{
			Name:                name,
			Schema:              schema,
			Table:               entity.Table,
			AllowedWebhookIDs:   entity.AllowedWebhookIDs,
			AllowedEnvironments: entity.AllowedEnvironments,
		},
	}, nil
}

func parseFiles(name string, entity *entityFile, path string) (*Definition, error) {
	return &Definition{
		Kind: KindFiles,
		Name: name,
		Path: path,
		Files: &FilesEndpoint{
			Name:                name,
			Directory:           entity.Directory,
			AllowedEnvironments: entity.AllowedEnvironments,
		},
	}, nil
}

var knownMethods = map[string]string{
	"GET":    http.MethodGet,
	"POST":   http.MethodPost,
	"PUT":    http.MethodPut,
	"DELETE": http.MethodDelete,
	"PATCH":  http.MethodPatch,
	"HEAD":   http.MethodHead,
}

func normalizeMethods(methods, defaults []string) ([]string, error) {
	if len(methods) == 0 {
		return defaults, nil
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		canonical, ok := knownMethods[strings.ToUpper(strings.TrimSpace(m))]
		if !ok {
			return nil, fmt.Errorf("unsupported method %q", m)
		}
		out = append(out, canonical)
	}
	return out, nil
}
