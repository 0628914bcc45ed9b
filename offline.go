package crewdeck

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// OfflineWorker
// ============================================================================
//
// OfflineWorker sits at the HTTP boundary as an http.RoundTripper. It never
// changes the semantics of requests that succeed against the network; it only
// steps in when the network is gone:
//
//   - Mutating requests that fail at the transport level are appended to a
//     durable FIFO log and answered with a synthetic 200 so callers can treat
//     the write as accepted. HTTP responses — including 4xx and 5xx — always
//     pass through untouched.
//   - API reads are network-first with a cached fallback, else a synthetic
//     503 that identifies itself as offline.
//   - Static assets are cache-first under a versioned namespace; a new
//     version is staged by precaching and promoted on an explicit signal.
//
// The replay of the log is strictly in order and halts on the first failure,
// so requests that depend on an earlier one never run against missing state.

// Control signals understood by Signal.
const (
	// SignalSync asks the worker to replay the queued request log now.
	SignalSync = "sync"
	// SignalSkipWaiting promotes the staged static cache version and drops
	// the previous one.
	SignalSkipWaiting = "skip-waiting"
)

// Synthetic reply bodies. Callers inspect the offline marker to distinguish
// locally fabricated responses from real server replies.
var (
	queuedBody  = []byte(`{"offline":true,"queued":true}`)
	offlineBody = []byte(`{"offline":true,"error":{"code":"offline","message":"network unavailable"}}`)
)

// OfflineConfig configures an OfflineWorker.
type OfflineConfig struct {
	// Transport performs the actual network calls. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper

	// Origin is the scheme://host of the application. Only responses from
	// this origin are cached.
	Origin string

	// Version names the static cache namespace this worker populates.
	Version string

	// APIPrefix marks URLs handled by the API cache rather than the static
	// cache. Defaults to "/api/".
	APIPrefix string

	// OnReplayed is invoked after each successfully replayed entry.
	OnReplayed func(QueueEntry)

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *OfflineConfig) defaults() {
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "/api/"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// OfflineWorker intercepts HTTP traffic and keeps the application usable
// without a network. It implements http.RoundTripper.
type OfflineWorker struct {
	store  *OfflineStore
	config OfflineConfig
	origin *url.URL
	logger *zap.Logger

	mu              sync.Mutex
	online          bool
	activeVersion   string
	updateAvailable bool
	replaying       bool
}

// NewOfflineWorker wraps store and the configured transport. The worker
// starts in the online state.
func NewOfflineWorker(store *OfflineStore, config OfflineConfig) (*OfflineWorker, error) {
	config.defaults()
	if config.Version == "" {
		return nil, fmt.Errorf("offline worker requires a cache version")
	}
	origin, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("offline worker: invalid origin %q: %w", config.Origin, err)
	}

	active, err := store.ActiveVersion()
	if err != nil {
		return nil, err
	}
	if active == "" {
		// First run: this version serves immediately.
		if err := store.SetActiveVersion(config.Version); err != nil {
			return nil, err
		}
		active = config.Version
	}

	return &OfflineWorker{
		store:           store,
		config:          config,
		origin:          origin,
		logger:          config.Logger.Named("offline"),
		online:          true,
		activeVersion:   active,
		updateAvailable: active != config.Version,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (w *OfflineWorker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if w.isAPI(req.URL) {
			return w.apiGet(req)
		}
		return w.staticGet(req)
	}
	return w.mutate(req)
}

// Online reports the last connectivity state set via SetOnline.
func (w *OfflineWorker) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// SetOnline records a connectivity change. The offline-to-online edge kicks
// off a replay of the queued log in the background.
func (w *OfflineWorker) SetOnline(online bool) {
	w.mu.Lock()
	wasOnline := w.online
	w.online = online
	w.mu.Unlock()

	if online && !wasOnline {
		w.logger.Info("connectivity restored, replaying queue")
		go w.replayAsync()
	}
	if !online && wasOnline {
		w.logger.Info("connectivity lost")
	}
}

// UpdateAvailable reports whether a newer static cache version has been
// staged but not yet promoted.
func (w *OfflineWorker) UpdateAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updateAvailable
}

// Signal delivers a control message to the worker. Unknown signals are
// logged and ignored.
func (w *OfflineWorker) Signal(signal string) {
	switch signal {
	case SignalSync:
		go w.replayAsync()
	case SignalSkipWaiting:
		if err := w.activate(); err != nil {
			w.logger.Warn("cache version activation failed", zap.Error(err))
		}
	default:
		w.logger.Debug("ignoring unknown signal", zap.String("signal", signal))
	}
}

// Precache fetches each path and stores the response in this worker's static
// namespace. Already-active versions are refreshed in place; a different
// version is staged for promotion via SignalSkipWaiting.
func (w *OfflineWorker) Precache(ctx context.Context, paths []string) error {
	for _, p := range paths {
		u := w.config.Origin + p
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		resp, err := w.config.Transport.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("precache %s: status %d", p, resp.StatusCode)
		}
		stored := &CachedResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
		if err := w.store.PutStatic(w.config.Version, u, stored); err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
	}

	w.mu.Lock()
	if w.activeVersion != w.config.Version {
		w.updateAvailable = true
	}
	w.mu.Unlock()
	return nil
}

// Replay submits the queued log in insertion order. It stops at the first
// entry that fails — a transport error or any status >= 400 — leaving that
// entry and everything after it in the log for a later attempt.
func (w *OfflineWorker) Replay(ctx context.Context) error {
	entries, err := w.store.Queue()
	if err != nil {
		return err
	}

	for _, e := range entries {
		var body io.Reader
		if len(e.Body) > 0 {
			body = bytes.NewReader(e.Body)
		}
		req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, body)
		if err != nil {
			w.metricsReplayFailure()
			return fmt.Errorf("replay entry %d: %w", e.ID, err)
		}
		for k, v := range e.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.config.Transport.RoundTrip(req)
		if err != nil {
			w.metricsReplayFailure()
			return fmt.Errorf("replay entry %d: %w", e.ID, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			// The server rejected the request. Its prerequisite may be
			// gone, so later entries must not run either.
			w.metricsReplayFailure()
			return fmt.Errorf("replay entry %d: status %d", e.ID, resp.StatusCode)
		}

		if err := w.store.DeleteEntry(e.ID); err != nil {
			return fmt.Errorf("drop replayed entry %d: %w", e.ID, err)
		}
		if w.config.Metrics != nil {
			depth, _ := w.store.QueueLen()
			w.config.Metrics.replaySuccess(depth)
		}
		w.logger.Info("replayed queued request",
			zap.Uint64("id", e.ID),
			zap.String("method", e.Method),
			zap.String("url", e.URL))
		if w.config.OnReplayed != nil {
			w.config.OnReplayed(e)
		}
	}
	return nil
}

// QueueLen reports the number of requests awaiting replay.
func (w *OfflineWorker) QueueLen() (int, error) {
	return w.store.QueueLen()
}

// PendingRequests returns the queued request log in replay order.
func (w *OfflineWorker) PendingRequests() ([]QueueEntry, error) {
	return w.store.Queue()
}

// ── Request handling ──────────────────────────────────────

func (w *OfflineWorker) mutate(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := w.config.Transport.RoundTrip(req)
	if err == nil {
		// Real server reply, success or failure. Pass it through.
		return resp, nil
	}

	entry := QueueEntry{
		URL:       req.URL.String(),
		Method:    req.Method,
		Headers:   flattenHeader(req.Header),
		Body:      body,
		Timestamp: time.Now(),
	}
	id, qerr := w.store.Enqueue(entry)
	if qerr != nil {
		w.logger.Error("failed to log request for replay",
			zap.String("method", req.Method),
			zap.String("url", entry.URL),
			zap.Error(qerr))
		// The caller still gets the queued acknowledgment; the request is
		// lost only from the durable log, which the diagnostics record.
	} else {
		w.logger.Info("queued request while offline",
			zap.Uint64("id", id),
			zap.String("method", req.Method),
			zap.String("url", entry.URL))
		if w.config.Metrics != nil {
			depth, _ := w.store.QueueLen()
			w.config.Metrics.requestQueued(depth)
		}
	}
	return syntheticResponse(req, http.StatusOK, queuedBody), nil
}

func (w *OfflineWorker) apiGet(req *http.Request) (*http.Response, error) {
	resp, err := w.config.Transport.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK && w.sameOrigin(req.URL) {
			w.cacheResponse(req, resp, func(u string, r *CachedResponse) error {
				return w.store.PutAPI(u, r)
			})
		}
		return resp, nil
	}

	if cached, ok := w.store.GetAPI(req.URL.String()); ok {
		w.logger.Debug("serving cached API response", zap.String("url", req.URL.String()))
		if w.config.Metrics != nil {
			w.config.Metrics.cacheHit("api")
		}
		return cachedToResponse(req, cached), nil
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, offlineBody), nil
}

func (w *OfflineWorker) staticGet(req *http.Request) (*http.Response, error) {
	version := w.serveVersion()
	if cached, ok := w.store.GetStatic(version, req.URL.String()); ok {
		if w.config.Metrics != nil {
			w.config.Metrics.cacheHit("static")
		}
		return cachedToResponse(req, cached), nil
	}

	resp, err := w.config.Transport.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK && w.sameOrigin(req.URL) {
			w.cacheResponse(req, resp, func(u string, r *CachedResponse) error {
				return w.store.PutStatic(version, u, r)
			})
		}
		return resp, nil
	}

	// Offline navigation falls back to the cached application shell.
	if isNavigation(req) {
		root := w.config.Origin + "/"
		if cached, ok := w.store.GetStatic(version, root); ok {
			if w.config.Metrics != nil {
				w.config.Metrics.cacheHit("static")
			}
			return cachedToResponse(req, cached), nil
		}
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, offlineBody), nil
}

// ── Internals ─────────────────────────────────────────────

func (w *OfflineWorker) activate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.store.SetActiveVersion(w.config.Version); err != nil {
		return err
	}
	if err := w.store.DropStaticExcept(w.config.Version); err != nil {
		return err
	}
	old := w.activeVersion
	w.activeVersion = w.config.Version
	w.updateAvailable = false
	w.logger.Info("static cache version activated",
		zap.String("previous", old),
		zap.String("active", w.config.Version))
	return nil
}

func (w *OfflineWorker) serveVersion() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeVersion
}

// replayAsync runs one replay at a time; concurrent triggers coalesce.
func (w *OfflineWorker) replayAsync() {
	w.mu.Lock()
	if w.replaying {
		w.mu.Unlock()
		return
	}
	w.replaying = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.replaying = false
		w.mu.Unlock()
	}()

	if err := w.Replay(context.Background()); err != nil {
		w.logger.Warn("queue replay halted", zap.Error(err))
	}
}

func (w *OfflineWorker) isAPI(u *url.URL) bool {
	return strings.HasPrefix(u.Path, w.config.APIPrefix)
}

// sameOrigin compares parsed scheme and host, so a lookalike such as
// app.example.com.evil.io never passes as app.example.com.
func (w *OfflineWorker) sameOrigin(u *url.URL) bool {
	return w.origin.Host != "" && u.Scheme == w.origin.Scheme && u.Host == w.origin.Host
}

// cacheResponse stores resp and replaces its body so the caller can still
// read it. Cache write failures are logged, never surfaced.
func (w *OfflineWorker) cacheResponse(req *http.Request, resp *http.Response, put func(string, *CachedResponse) error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	stored := &CachedResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if err := put(req.URL.String(), stored); err != nil {
		w.logger.Warn("cache write failed",
			zap.String("url", req.URL.String()),
			zap.Error(err))
	}
}

func (w *OfflineWorker) metricsReplayFailure() {
	if w.config.Metrics != nil {
		w.config.Metrics.replayFailure()
	}
}

func isNavigation(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func syntheticResponse(req *http.Request, status int, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func cachedToResponse(req *http.Request, c *CachedResponse) *http.Response {
	header := c.Header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}
