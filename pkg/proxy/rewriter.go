// Package proxy forwards requests for proxy endpoints to their upstream
// base URL and rebases upstream URLs in the response onto the gateway's
// public address, so clients never learn internal hostnames.
package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// Rewriter replaces occurrences of an upstream base URL in response bodies
// with the gateway's endpoint URL. Only anchored shapes are replaced: the
// full base URL (covering its sub-paths, since the tail survives a prefix
// replacement), the bare scheme://host, and the quoted bare host. Anything
// else in the body stays untouched.
type Rewriter struct {
	replacements []replacement
}

type replacement struct {
	old string
	new string
}

// NewRewriter builds a rewriter that maps targetURL onto gatewayURL, where
// gatewayURL is the endpoint's public form ({scheme}://{host}/api/{env}/{name}).
func NewRewriter(targetURL, gatewayURL string) (*Rewriter, error) {
	upstream, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL %q has no scheme or host", targetURL)
	}

	gatewayURL = strings.TrimRight(gatewayURL, "/")
	base := strings.TrimRight(upstream.String(), "/")
	origin := upstream.Scheme + "://" + upstream.Host

	// The gateway URL with its scheme stripped, for quoted host-only
	// occurrences that carry no scheme themselves.
	gatewayAuthority := gatewayURL
	if i := strings.Index(gatewayURL, "://"); i >= 0 {
		gatewayAuthority = gatewayURL[i+len("://"):]
	}

	r := &Rewriter{}
	if base != origin {
		r.replacements = append(r.replacements, replacement{old: base, new: gatewayURL})
	}
	r.replacements = append(r.replacements,
		replacement{old: origin, new: gatewayURL},
		replacement{old: `"` + upstream.Host, new: `"` + gatewayAuthority},
	)
	return r, nil
}

// Rewrite returns body with every anchored upstream reference rebased.
func (r *Rewriter) Rewrite(body string) string {
	for _, rep := range r.replacements {
		body = strings.ReplaceAll(body, rep.old, rep.new)
	}
	return body
}
