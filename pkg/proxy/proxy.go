package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
)

const (
	// DefaultMaxInflight bounds concurrent upstream calls per endpoint when
	// the definition does not set maxConcurrency.
	DefaultMaxInflight = 64

	// maxRewriteSize caps how much of a response is buffered for URL
	// rewriting. Larger bodies stream through unmodified.
	maxRewriteSize = 10 << 20
)

// Executor forwards requests for proxy endpoints.
type Executor struct {
	transport http.RoundTripper

	mu         sync.Mutex
	semaphores map[string]chan struct{}
}

// NewExecutor creates a proxy executor. A nil transport uses
// http.DefaultTransport.
func NewExecutor(transport http.RoundTripper) *Executor {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Executor{
		transport:  transport,
		semaphores: make(map[string]chan struct{}),
	}
}

// Handle forwards the request to the endpoint's upstream with tail appended
// to the target path, streaming both directions. JSON and text responses
// get upstream URLs rebased onto the gateway address.
func (e *Executor) Handle(w http.ResponseWriter, r *http.Request, def *endpoints.Definition, env, tail string) {
	if !def.AllowsMethod(r.Method) {
		httperr.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", map[string]any{
			"endpoint": def.Name,
			"method":   r.Method,
		})
		return
	}

	upstream, err := url.Parse(def.Proxy.TargetURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		logger.Errorf("Proxy endpoint %s has unusable targetUrl %q: %v", def.Name, def.Proxy.TargetURL, err)
		httperr.WriteError(w, http.StatusBadGateway, "Upstream configuration invalid", map[string]any{
			"endpoint": def.Name,
		})
		return
	}

	release, ok := e.acquire(r.Context(), def.Name, maxInflight(def.Proxy))
	if !ok {
		// The client went away while queued; there is nobody to answer.
		return
	}
	defer release()

	rewriter, err := NewRewriter(def.Proxy.TargetURL, gatewayURL(r, env, def.Name))
	if err != nil {
		logger.Warnf("URL rewriting disabled for endpoint %s: %v", def.Name, err)
		rewriter = nil
	}

	outPath := joinPath(upstream.Path, tail)

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = outPath
			req.Host = upstream.Host

			// The principal was validated at the gate; upstream credentials
			// are the endpoint's own concern.
			req.Header.Del("Authorization")

			// Let the transport negotiate compression so rewritable bodies
			// arrive decoded.
			req.Header.Del("Accept-Encoding")

			if _, ok := req.Header["User-Agent"]; !ok {
				req.Header.Set("User-Agent", "")
			}
		},
		Transport:      e.transport,
		FlushInterval:  -1,
		ModifyResponse: rewriteResponse(rewriter),
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Errorf("Proxy request for endpoint %s failed: %v", def.Name, err)
			httperr.WriteError(w, http.StatusBadGateway, "Upstream request failed", map[string]any{
				"endpoint": def.Name,
			})
		},
	}
	proxy.ServeHTTP(w, r)
}

// acquire takes an inflight slot for the endpoint, waiting until one frees
// or the request context ends.
func (e *Executor) acquire(ctx context.Context, name string, limit int) (func(), bool) {
	e.mu.Lock()
	sem, ok := e.semaphores[name]
	if !ok || cap(sem) != limit {
		sem = make(chan struct{}, limit)
		e.semaphores[name] = sem
	}
	e.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

func maxInflight(p *endpoints.ProxyEndpoint) int {
	if p.MaxConcurrency > 0 {
		return p.MaxConcurrency
	}
	return DefaultMaxInflight
}

// gatewayURL is the public form of the endpoint as the client reached it.
func gatewayURL(r *http.Request, env, endpointName string) string {
	scheme := "http"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/api/" + env + "/" + endpointName
}

func joinPath(base, tail string) string {
	base = strings.TrimRight(base, "/")
	if tail != "" {
		base += "/" + strings.TrimLeft(tail, "/")
	}
	if base == "" {
		return "/"
	}
	if !strings.HasPrefix(base, "/") {
		return "/" + base
	}
	return base
}

// rewriteResponse buffers JSON/text bodies up to maxRewriteSize and applies
// the rewriter. Oversized, encoded, or binary bodies pass through unchanged.
func rewriteResponse(rewriter *Rewriter) func(*http.Response) error {
	return func(resp *http.Response) error {
		if rewriter == nil || !rewritableBody(resp) {
			return nil
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteSize+1))
		if err != nil {
			return err
		}
		if len(body) > maxRewriteSize {
			// Stitch what we consumed back in front of the rest.
			resp.Body = readCloser{
				Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
				Closer: resp.Body,
			}
			return nil
		}
		resp.Body.Close()

		rewritten := rewriter.Rewrite(string(body))
		resp.Body = io.NopCloser(strings.NewReader(rewritten))
		resp.ContentLength = int64(len(rewritten))
		resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
		return nil
	}
}

func rewritableBody(resp *http.Response) bool {
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" ||
		strings.HasSuffix(mediaType, "+json") ||
		strings.HasPrefix(mediaType, "text/")
}

type readCloser struct {
	io.Reader
	io.Closer
}
