// Package router serves the application's outgoing requests through the cache
// policies: cache-first for static documents, network-first for read APIs, and
// straight passthrough for everything else, writes included.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/fieldcare/internal/domain/cachestore"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

// CacheHeader reports how a response was served.
const CacheHeader = "X-Fieldcare-Cache"

const (
	servedHit      = "hit"
	servedMiss     = "miss"
	servedNetwork  = "network"
	servedFallback = "fallback"
	servedOffline  = "offline-document"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config wires a Router.
type Config struct {
	Upstream        string
	Version         string
	StaticPrefix    string
	DynamicPrefix   string
	Precache        []string
	OfflineDocument string
	// MaxEntryBytes bounds the size of a cacheable body; zero means unbounded.
	MaxEntryBytes int64
	Storage       cachestore.Storage
	Classifier    Classifier
	Transport     http.RoundTripper
	Logger        observability.Logger
}

// Router is an http.Handler applying the cache policies in front of the upstream.
type Router struct {
	upstream      *url.URL
	version       string
	staticBucket  string
	dynamicBucket string
	precache      []string
	offlineDoc    string
	maxEntryBytes int64
	storage       cachestore.Storage
	classifier    Classifier
	client        *http.Client
	proxy         *httputil.ReverseProxy
	logger        observability.Logger
}

// New validates cfg.
func New(cfg Config) (*Router, error) {
	upstream, err := url.Parse(strings.TrimSpace(cfg.Upstream))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("router: upstream must be an absolute url, got %q", cfg.Upstream)
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		return nil, fmt.Errorf("router: cache version required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("router: cache storage required")
	}
	staticPrefix := defaultString(cfg.StaticPrefix, "static")
	dynamicPrefix := defaultString(cfg.DynamicPrefix, "dynamic")
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = NewRuleClassifier(Rules{OfflineDocument: cfg.OfflineDocument})
	}
	logger := observability.Or(cfg.Logger)

	rt := &Router{
		upstream:      upstream,
		version:       version,
		staticBucket:  BucketName(staticPrefix, version),
		dynamicBucket: BucketName(dynamicPrefix, version),
		precache:      append([]string(nil), cfg.Precache...),
		offlineDoc:    strings.TrimSpace(cfg.OfflineDocument),
		maxEntryBytes: cfg.MaxEntryBytes,
		storage:       cfg.Storage,
		classifier:    classifier,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	rt.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("passthrough request failed",
				observability.F("method", r.Method),
				observability.F("path", r.URL.Path),
				observability.F("err", err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return rt, nil
}

// BucketName composes a versioned bucket name.
func BucketName(prefix, version string) string {
	return prefix + "-" + version
}

// StaticBucket returns the current static bucket name.
func (rt *Router) StaticBucket() string { return rt.staticBucket }

// DynamicBucket returns the current dynamic bucket name.
func (rt *Router) DynamicBucket() string { return rt.dynamicBucket }

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch policy := rt.classifier.Classify(r); policy {
	case PolicyCacheFirst:
		rt.cacheFirst(w, r)
	case PolicyNetworkFirst:
		rt.networkFirst(w, r)
	default:
		rt.proxy.ServeHTTP(w, r)
	}
}

func (rt *Router) cacheFirst(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := rt.key(r.Method, r.URL)
	bucket, ok, err := rt.storage.Lookup(ctx, rt.staticBucket)
	if err != nil {
		rt.logger.Error("lookup static bucket", observability.F("bucket", rt.staticBucket), observability.F("err", err))
	}
	if !ok || err != nil {
		bucket = nil
	}
	if bucket != nil {
		if cached, hit := rt.match(ctx, bucket, key); hit {
			telemetry.RecordCacheLookup(ctx, string(PolicyCacheFirst), servedHit)
			writeStored(w, r, cached, servedHit)
			return
		}
	}

	resp, err := rt.fetch(r)
	if err != nil {
		if wantsDocument(r) && rt.offlineDoc != "" && bucket != nil {
			if doc, hit := rt.match(ctx, bucket, rt.key(http.MethodGet, rt.resolve(rt.offlineDoc))); hit {
				telemetry.RecordCacheLookup(ctx, string(PolicyCacheFirst), servedOffline)
				writeStored(w, r, doc, servedOffline)
				return
			}
		}
		telemetry.RecordCacheLookup(ctx, string(PolicyCacheFirst), "failed")
		rt.networkFailure(w, r, err)
		return
	}
	telemetry.RecordCacheLookup(ctx, string(PolicyCacheFirst), servedMiss)
	if cacheable(resp) {
		rt.storeIn(ctx, rt.staticBucket, key, resp)
	}
	writeStored(w, r, resp, servedMiss)
}

func (rt *Router) networkFirst(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := rt.key(r.Method, r.URL)
	resp, err := rt.fetch(r)
	if err == nil {
		telemetry.RecordCacheLookup(ctx, string(PolicyNetworkFirst), servedNetwork)
		if cacheable(resp) {
			rt.storeIn(ctx, rt.dynamicBucket, key, resp)
		}
		writeStored(w, r, resp, servedNetwork)
		return
	}

	for _, name := range []string{rt.dynamicBucket, rt.staticBucket} {
		bucket, ok, lookupErr := rt.storage.Lookup(ctx, name)
		if lookupErr != nil {
			rt.logger.Error("lookup bucket", observability.F("bucket", name), observability.F("err", lookupErr))
			continue
		}
		if !ok {
			continue
		}
		if cached, hit := rt.match(ctx, bucket, key); hit {
			telemetry.RecordCacheLookup(ctx, string(PolicyNetworkFirst), servedFallback)
			writeStored(w, r, cached, servedFallback)
			return
		}
	}
	telemetry.RecordCacheLookup(ctx, string(PolicyNetworkFirst), "failed")
	rt.networkFailure(w, r, err)
}

// fetch issues r against the upstream and buffers the response.
func (rt *Router) fetch(r *http.Request) (*cachestore.StoredResponse, error) {
	target := rt.resolve(r.URL.RequestURI())
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	return rt.do(out)
}

func (rt *Router) do(req *http.Request) (*cachestore.StoredResponse, error) {
	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &cachestore.StoredResponse{Status: resp.StatusCode, Header: header, Body: body, StoredAt: time.Now()}, nil
}

func (rt *Router) match(ctx context.Context, bucket cachestore.Bucket, key string) (*cachestore.StoredResponse, bool) {
	cached, ok, err := bucket.Match(ctx, key)
	if err != nil {
		rt.logger.Error("cache match", observability.F("bucket", bucket.Name()), observability.F("key", key), observability.F("err", err))
		return nil, false
	}
	return cached, ok
}

// storeIn opens the named bucket, creating it if needed, and stores resp. Only
// the write path opens buckets; reads use Lookup.
func (rt *Router) storeIn(ctx context.Context, name, key string, resp *cachestore.StoredResponse) {
	bucket, err := rt.storage.Open(ctx, name)
	if err != nil {
		rt.logger.Error("open bucket", observability.F("bucket", name), observability.F("err", err))
		return
	}
	rt.store(ctx, bucket, key, resp)
}

func (rt *Router) store(ctx context.Context, bucket cachestore.Bucket, key string, resp *cachestore.StoredResponse) {
	if !cacheable(resp) {
		return
	}
	if rt.maxEntryBytes > 0 && int64(len(resp.Body)) > rt.maxEntryBytes {
		rt.logger.Debug("response too large to cache", observability.F("key", key), observability.F("bytes", len(resp.Body)))
		return
	}
	if err := bucket.Put(ctx, key, resp); err != nil {
		rt.logger.Error("cache put", observability.F("bucket", bucket.Name()), observability.F("key", key), observability.F("err", err))
	}
}

func (rt *Router) networkFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	rt.logger.Error("upstream fetch failed",
		observability.F("method", r.Method),
		observability.F("path", r.URL.Path),
		observability.F("err", err))
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

// key is the request identity: method plus absolute upstream URL.
func (rt *Router) key(method string, u *url.URL) string {
	target := u
	if !u.IsAbs() {
		target = rt.resolve(u.RequestURI())
	}
	return method + " " + target.String()
}

func (rt *Router) resolve(requestURI string) *url.URL {
	ref, err := url.Parse(requestURI)
	if err != nil {
		ref = &url.URL{Path: requestURI}
	}
	return rt.upstream.ResolveReference(ref)
}

func cacheable(resp *cachestore.StoredResponse) bool {
	return resp != nil && resp.Status >= 200 && resp.Status < 300
}

func wantsDocument(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

func writeStored(w http.ResponseWriter, r *http.Request, resp *cachestore.StoredResponse, served string) {
	header := w.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	header.Set(CacheHeader, served)
	if r.Method == http.MethodHead {
		w.WriteHeader(resp.Status)
		return
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = io.Copy(w, bytes.NewReader(resp.Body))
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func defaultString(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
