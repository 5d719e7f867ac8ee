package secrets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datagate-io/datagate/pkg/networking"
)

const (
	// StoreURIEnv names the environment variable holding the base URI of the
	// remote secret store. When unset, only local sources are consulted.
	StoreURIEnv = "SECRET_STORE_URI"

	// StoreTokenEnv optionally names a bearer token for the remote store.
	StoreTokenEnv = "SECRET_STORE_TOKEN"
)

// storeRequestTimeout bounds a single secret lookup.
const storeRequestTimeout = 10 * time.Second

// StoreClient reads secrets from a remote HTTP secret store. A secret is
// fetched with GET {base}/secrets/{name}; the store answers 200 with a JSON
// document carrying the value.
type StoreClient struct {
	base     *url.URL
	username string
	password string
	hasAuth  bool
	client   networking.HTTPClient
}

// Compile-time interface compliance check.
var _ Provider = (*StoreClient)(nil)

// secretDocument is the store's response body for a single secret.
type secretDocument struct {
	Value string `json:"value"`
}

// NewStoreClient builds a client for the secret store at rawURI. Credentials
// embedded in the URI userinfo are sent as basic auth. A non-empty
// bearerToken is attached to every request instead.
func NewStoreClient(rawURI, bearerToken string) (*StoreClient, error) {
	base, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("invalid secret store URI: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("secret store URI must be http or https, got %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("secret store URI %q has no host", rawURI)
	}

	sc := &StoreClient{}
	if user := base.User; user != nil {
		sc.username = user.Username()
		sc.password, _ = user.Password()
		sc.hasAuth = true
		base.User = nil
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	sc.base = base

	builder := networking.NewHttpClientBuilder().WithTimeout(storeRequestTimeout)
	if bearerToken != "" {
		builder = builder.WithBearerToken(bearerToken)
	}
	client, err := builder.Build()
	if err != nil {
		return nil, err
	}
	sc.client = client

	return sc, nil
}

// FromEnvironment builds a StoreClient from SECRET_STORE_URI and
// SECRET_STORE_TOKEN. It returns nil without error when no store is
// configured.
func FromEnvironment(getenv func(string) string) (*StoreClient, error) {
	uri := strings.TrimSpace(getenv(StoreURIEnv))
	if uri == "" {
		return nil, nil
	}
	return NewStoreClient(uri, strings.TrimSpace(getenv(StoreTokenEnv)))
}

// GetSecret fetches a single secret by name. Missing secrets come back as
// ErrSecretNotFound and credential rejections as ErrPermissionDenied so
// callers can decide whether to fall through to another source.
func (c *StoreClient) GetSecret(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("secret name cannot be empty")
	}

	requestURL := c.base.String() + "/secrets/" + url.PathEscape(name)

	var opts []networking.FetchOption
	if c.hasAuth {
		opts = append(opts, networking.WithBasicAuth(c.username, c.password))
	}

	doc, err := networking.FetchJSON[secretDocument](ctx, c.client, requestURL, opts...)
	if err != nil {
		switch {
		case networking.IsHTTPError(err, http.StatusNotFound):
			return "", fmt.Errorf("secret %q: %w", name, ErrSecretNotFound)
		case networking.IsHTTPError(err, http.StatusUnauthorized),
			networking.IsHTTPError(err, http.StatusForbidden):
			return "", fmt.Errorf("secret %q: %w", name, ErrPermissionDenied)
		default:
			return "", fmt.Errorf("failed to fetch secret %q: %w", name, err)
		}
	}

	// A present-but-empty secret is useless to every caller; report it the
	// same way as an absent one so fallback sources get a chance.
	if doc.Value == "" {
		return "", fmt.Errorf("secret %q has no value: %w", name, ErrSecretNotFound)
	}

	return doc.Value, nil
}
