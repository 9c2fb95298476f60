package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

// httpRequestSpec is shared by Browser and Curl: method, URL, an
// allow-listed header set, and body, each template-interpolated against
// the environment. Cacheable on the exact resolved request.
type httpRequestSpec struct {
	Method       string
	URLTemplate  string
	Headers      map[string]string
	BodyTemplate string
	UseCache     bool
}

func parseHTTPSpec(a args) (httpRequestSpec, error) {
	url, err := a.requireString("url")
	if err != nil {
		return httpRequestSpec{}, err
	}
	return httpRequestSpec{
		Method:       a.optionalString("method", "GET"),
		URLTemplate:  url,
		Headers:      a.optionalMap("headers"),
		BodyTemplate: a.optionalString("body", ""),
		UseCache:     a.optionalBool("use_cache", true),
	}, nil
}

type resolvedHTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// hashValue is what InnerHash folds into the block's content hash: the
// request shape alone. use_cache governs run-time caching behavior, not
// anything that affects the block's output, so it's deliberately excluded
// (matching LLM/ChatVariant's configValue, which omits it the same way).
func (s httpRequestSpec) hashValue() map[string]interface{} {
	return map[string]interface{}{
		"method":  s.Method,
		"url":     s.URLTemplate,
		"headers": s.Headers,
		"body":    s.BodyTemplate,
	}
}

func (s httpRequestSpec) resolve(e *env.Environment) (resolvedHTTPRequest, error) {
	url, err := interpolate(s.URLTemplate, e)
	if err != nil {
		return resolvedHTTPRequest{}, fmt.Errorf("resolving url: %w", err)
	}
	body, err := interpolate(s.BodyTemplate, e)
	if err != nil {
		return resolvedHTTPRequest{}, fmt.Errorf("resolving body: %w", err)
	}
	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		resolved, err := interpolate(v, e)
		if err != nil {
			return resolvedHTTPRequest{}, fmt.Errorf("resolving header %q: %w", k, err)
		}
		headers[k] = resolved
	}
	return resolvedHTTPRequest{Method: s.Method, URL: url, Headers: headers, Body: body}, nil
}

func doHTTP(ctx context.Context, deps Dependencies, req resolvedHTTPRequest) (json.RawMessage, error) {
	if deps.HTTP == nil {
		return nil, fmt.Errorf("no http client configured")
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		httpReq.Header.Set(k, req.Headers[k])
	}

	resp, err := deps.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": resp.Header,
		"body":    string(body),
	})
}

// BrowserVariant performs an HTTP fetch intended for page-rendering use
// cases; functionally identical to Curl at this engine layer, which
// treats both as opaque HTTP requests (the distinction — e.g. JS
// rendering — lives in the concrete fetch client wired via Dependencies).
type BrowserVariant struct {
	name string
	spec httpRequestSpec
}

func NewBrowser(name string, a args) (*BrowserVariant, error) {
	spec, err := parseHTTPSpec(a)
	if err != nil {
		return nil, err
	}
	return &BrowserVariant{name: name, spec: spec}, nil
}

func (b *BrowserVariant) Type() BlockType { return TypeBrowser }
func (b *BrowserVariant) Name() string    { return b.name }

func (b *BrowserVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeBrowser))
	h.WriteString(b.name)
	return h.WriteJSON(b.spec.hashValue())
}

func (b *BrowserVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	req, err := b.spec.resolve(e)
	if err != nil {
		return nil, err
	}
	return doHTTP(ctx, deps, req)
}

// CacheableRequest reports ok=false when use_cache:false was set, bypassing
// the cache entirely for this block.
func (b *BrowserVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	if !b.spec.UseCache {
		return CacheRequest{}, false, nil
	}
	req, err := b.spec.resolve(e)
	if err != nil {
		return CacheRequest{}, false, err
	}
	return CacheRequest{Kind: CacheKindHTTP, Key: req}, true, nil
}

func (b *BrowserVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.HTTP.Duration > 0 {
		return cfg.Timeouts.HTTP.Duration
	}
	return 30 * time.Second
}

// CurlVariant performs a direct HTTP fetch. Cacheable on the exact request.
type CurlVariant struct {
	name string
	spec httpRequestSpec
}

func NewCurl(name string, a args) (*CurlVariant, error) {
	spec, err := parseHTTPSpec(a)
	if err != nil {
		return nil, err
	}
	return &CurlVariant{name: name, spec: spec}, nil
}

func (b *CurlVariant) Type() BlockType { return TypeCurl }
func (b *CurlVariant) Name() string    { return b.name }

func (b *CurlVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeCurl))
	h.WriteString(b.name)
	return h.WriteJSON(b.spec.hashValue())
}

func (b *CurlVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	req, err := b.spec.resolve(e)
	if err != nil {
		return nil, err
	}
	return doHTTP(ctx, deps, req)
}

// CacheableRequest reports ok=false when use_cache:false was set, bypassing
// the cache entirely for this block.
func (b *CurlVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	if !b.spec.UseCache {
		return CacheRequest{}, false, nil
	}
	req, err := b.spec.resolve(e)
	if err != nil {
		return CacheRequest{}, false, err
	}
	return CacheRequest{Kind: CacheKindHTTP, Key: req}, true, nil
}

func (b *CurlVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.HTTP.Duration > 0 {
		return cfg.Timeouts.HTTP.Duration
	}
	return 30 * time.Second
}
