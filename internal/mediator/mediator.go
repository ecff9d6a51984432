// Package mediator implements the HTTP surface that sits between callers and
// an upstream LLM API, redacting PII on the way in and rehydrating it on the
// way back (§4.8 "Proxy mediator").
//
// Traffic flow:
//   - POST /v1/chat/completions, /chat/completions, /v1/messages: JSON body
//     message content is redacted before forwarding; the response (streaming
//     or not) is rehydrated against the pinned session before returning.
//   - POST /v1/embeddings: input text is redacted before forwarding; the
//     response carries vectors, not text, so no rehydration is needed.
//   - GET /v1/models: passed through unchanged.
//   - POST /api/v1/redact, /api/v1/hydrate: the direct, non-proxied surfaces.
package mediator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/anonamoose/gateway/internal/apierr"
	"github.com/anonamoose/gateway/internal/config"
	"github.com/anonamoose/gateway/internal/logger"
	"github.com/anonamoose/gateway/internal/metrics"
	"github.com/anonamoose/gateway/internal/pipeline"
	"github.com/anonamoose/gateway/internal/store"
	"github.com/anonamoose/gateway/internal/token"
)

const (
	headerSession = "X-Anonamoose-Session"
	headerRedact  = "X-Anonamoose-Redact"
	headerHydrate = "X-Anonamoose-Hydrate"
	headerLocale  = "X-Anonamoose-Locale"

	defaultSessionTTL = time.Hour
)

// Server mediates chat-completion, messages, and embeddings traffic between
// callers and the configured upstreams, running the redaction pipeline on
// the way out and the rehydration store on the way back.
type Server struct {
	cfg       *config.Config
	settings  *config.SettingsStore
	pipeline  *pipeline.Pipeline
	sessions  *store.Store
	metrics   *metrics.Metrics
	log       *logger.Logger
	transport *http.Transport
}

// New creates a mediator server.
func New(cfg *config.Config, settings *config.SettingsStore, p *pipeline.Pipeline, sessions *store.Store, m *metrics.Metrics) *Server {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	log := logger.New("MEDIATOR", cfg.LogLevel)
	// Explicit HTTP/2 configuration rather than relying solely on
	// ForceAttemptHTTP2, so upstream SSE streams get HTTP/2's per-stream flow
	// control instead of falling back to HTTP/1.1 keep-alive if ALPN
	// negotiation is ambiguous.
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warnf("boot", "http2 configuration failed, falling back to HTTP/1.1: %v", err)
	}

	return &Server{
		cfg:       cfg,
		settings:  settings,
		pipeline:  p,
		sessions:  sessions,
		metrics:   m,
		log:       log,
		transport: transport,
	}
}

// Handler returns the HTTP handler for the mediator's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChat(s.cfg.ChatCompletionsUpstream, "/v1/chat/completions"))
	mux.HandleFunc("/chat/completions", s.handleChat(s.cfg.ChatCompletionsUpstream, "/chat/completions"))
	mux.HandleFunc("/v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/messages", s.handleChat(s.cfg.MessagesUpstream, "/v1/messages"))
	mux.HandleFunc("/api/v1/redact", s.handleDirectRedact)
	mux.HandleFunc("/api/v1/hydrate", s.handleDirectHydrate)
	return mux
}

// ListenAndServe starts the mediator HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	s.log.Infof("boot", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// requestOptions captures the per-request header toggles (§4.8).
type requestOptions struct {
	sessionID      string
	sessionCreated bool
	redact         bool
	hydrate        bool
	locale         string
}

func (s *Server) readOptions(r *http.Request) requestOptions {
	opts := requestOptions{redact: true, hydrate: true}
	opts.sessionID = r.Header.Get(headerSession)
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
		opts.sessionCreated = true
	}
	if v := r.Header.Get(headerRedact); strings.EqualFold(v, "off") {
		opts.redact = false
	}
	if v := r.Header.Get(headerHydrate); strings.EqualFold(v, "off") {
		opts.hydrate = false
	}
	opts.locale = r.Header.Get(headerLocale)
	return opts
}

func (s *Server) settingsFor(opts requestOptions) *config.Settings {
	current := s.settings.Get()
	if opts.locale == "" || opts.locale == current.Locale {
		return current
	}
	overridden := *current
	overridden.Locale = opts.locale
	return &overridden
}

// handleChat returns a handler mediating a chat-completion-shaped or
// messages-shaped endpoint against the given upstream base URL.
func (s *Server) handleChat(upstreamBase, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		opts := s.readOptions(r)

		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			writeAPIErr(w, apierr.BadRequest("could not read request body"))
			return
		}
		defer r.Body.Close()

		var existing pipeline.ExistingBindings
		live := pipeline.LiveTokens{}
		if opts.redact {
			existing = s.seedExisting(r.Context(), opts, live)
		}

		var bindings []pipeline.Binding
		if opts.redact {
			body, bindings, err = s.redactMessagesJSON(r.Context(), body, opts, existing, live)
			if err != nil {
				writeAPIErr(w, &apierr.Error{Kind: apierr.KindBackendError, HTTPStatus: http.StatusBadGateway, Detail: err.Error()})
				return
			}
			s.persistBindings(r.Context(), opts, bindings)
		}
		if opts.sessionCreated {
			w.Header().Set(headerSession, opts.sessionID)
		}

		s.forward(w, r, upstreamBase+path, body, opts)
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	opts := s.readOptions(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeAPIErr(w, apierr.BadRequest("could not read request body"))
		return
	}
	defer r.Body.Close()

	if opts.redact {
		live := pipeline.LiveTokens{}
		existing := s.seedExisting(r.Context(), opts, live)
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err == nil {
			switch v := doc["input"].(type) {
			case string:
				doc["input"] = s.redactLeaf(r.Context(), v, opts, existing, live)
			case []any:
				for i, item := range v {
					if text, ok := item.(string); ok {
						v[i] = s.redactLeaf(r.Context(), text, opts, existing, live)
					}
				}
			}
			if out, err := json.Marshal(doc); err == nil {
				body = out
			}
			s.persistExistingAsBindings(r.Context(), opts, existing)
		}
	}
	if opts.sessionCreated {
		w.Header().Set(headerSession, opts.sessionID)
	}

	s.forward(w, r, s.cfg.ChatCompletionsUpstream+"/v1/embeddings", body, opts)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	s.forward(w, r, s.cfg.ChatCompletionsUpstream+"/v1/models", nil, requestOptions{})
}

// --- direct API (§6) ---

func (s *Server) handleDirectRedact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text      string `json:"text"`
		SessionID string `json:"sessionId"`
		Locale    string `json:"locale"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeAPIErr(w, apierr.BadRequest("invalid request body"))
		return
	}
	opts := requestOptions{sessionID: req.SessionID, redact: true, locale: req.Locale}
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
		opts.sessionCreated = true
	}

	live := pipeline.LiveTokens{}
	existing := s.seedExisting(r.Context(), opts, live)
	result := s.pipeline.Redact(r.Context(), req.Text, s.settingsFor(opts), existing, live)
	s.persistBindings(r.Context(), opts, result.Bindings)

	type respBinding struct {
		Token    string `json:"token"`
		Category string `json:"category"`
	}
	resp := struct {
		Sanitized string        `json:"sanitized"`
		SessionID string        `json:"sessionId"`
		Bindings  []respBinding `json:"bindings"`
	}{Sanitized: result.Sanitized, SessionID: opts.sessionID}
	for _, b := range result.Bindings {
		resp.Bindings = append(resp.Bindings, respBinding{Token: b.Token, Category: b.Category})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDirectHydrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text      string `json:"text"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeAPIErr(w, apierr.BadRequest("invalid request body"))
		return
	}
	hydrated, err := s.sessions.Hydrate(r.Context(), req.Text, req.SessionID)
	if err != nil {
		writeAPIErr(w, apierr.StoreBackendDown(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Text string `json:"text"`
	}{Text: hydrated})
}

// --- redaction helpers ---

// seedExisting retrieves the pinned session's current bindings (if any) so
// dedup-by-original (I3) spans this request as well as prior ones.
func (s *Server) seedExisting(ctx context.Context, opts requestOptions, live pipeline.LiveTokens) pipeline.ExistingBindings {
	existing := pipeline.ExistingBindings{}
	if opts.sessionCreated || !store.ValidSessionID(opts.sessionID) {
		return existing
	}
	sess, err := s.sessions.Retrieve(ctx, opts.sessionID)
	if err != nil || sess == nil {
		return existing
	}
	for _, b := range sess.Bindings {
		existing[b.Original] = pipeline.Binding{
			Token: b.Token, Original: b.Original, DetectorKind: b.DetectorKind, Category: b.Category, Meta: b.Meta,
		}
		live[b.Token] = true
	}
	return existing
}

func (s *Server) redactLeaf(ctx context.Context, text string, opts requestOptions, existing pipeline.ExistingBindings, live pipeline.LiveTokens) string {
	if text == "" {
		return text
	}
	result := s.pipeline.Redact(ctx, text, s.settingsFor(opts), existing, live)
	for _, b := range result.Bindings {
		live[b.Token] = true
	}
	return result.Sanitized
}

// redactMessagesJSON walks role-scoped message content fields in an
// OpenAI-/Anthropic-shaped request body and redacts each text leaf in place.
func (s *Server) redactMessagesJSON(ctx context.Context, body []byte, opts requestOptions, existing pipeline.ExistingBindings, live pipeline.LiveTokens) ([]byte, []pipeline.Binding, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		// Not JSON — treat the whole body as a single text field.
		sanitized := s.redactLeaf(ctx, string(body), opts, existing, live)
		return []byte(sanitized), bindingsOf(existing), nil
	}

	if msgs, ok := doc["messages"].([]any); ok {
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			s.redactMessageContent(ctx, msg, opts, existing, live)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	return out, bindingsOf(existing), nil
}

// redactMessageContent redacts the "content" field of one message object,
// which is either a plain string or a list of typed content blocks.
func (s *Server) redactMessageContent(ctx context.Context, msg map[string]any, opts requestOptions, existing pipeline.ExistingBindings, live pipeline.LiveTokens) {
	switch content := msg["content"].(type) {
	case string:
		msg["content"] = s.redactLeaf(ctx, content, opts, existing, live)
	case []any:
		for _, block := range content {
			part, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				part["text"] = s.redactLeaf(ctx, text, opts, existing, live)
			}
		}
	}
}

// bindingsOf returns the bindings currently held in existing. Since pipeline
// layers write freshly minted bindings into existing as they go, this
// recovers the full set produced during one request.
func bindingsOf(existing pipeline.ExistingBindings) []pipeline.Binding {
	out := make([]pipeline.Binding, 0, len(existing))
	for _, b := range existing {
		out = append(out, b)
	}
	return out
}

func (s *Server) persistBindings(ctx context.Context, opts requestOptions, bindings []pipeline.Binding) {
	if len(bindings) == 0 || !store.ValidSessionID(opts.sessionID) {
		return
	}
	tb := make([]store.TokenBinding, 0, len(bindings))
	for _, b := range bindings {
		tb = append(tb, store.TokenBinding{Token: b.Token, Original: b.Original, DetectorKind: b.DetectorKind, Category: b.Category, Meta: b.Meta})
	}
	ttl := time.Duration(s.cfg.DefaultSessionTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if _, err := s.sessions.Store(ctx, opts.sessionID, tb, ttl); err != nil {
		s.log.Warnf("store", "failed to persist bindings for session %s: %v", opts.sessionID, err)
	}
}

func (s *Server) persistExistingAsBindings(ctx context.Context, opts requestOptions, existing pipeline.ExistingBindings) {
	s.persistBindings(ctx, opts, bindingsOf(existing))
}

// --- forwarding and response rehydration ---

func (s *Server) forward(w http.ResponseWriter, r *http.Request, upstreamURL string, body []byte, opts requestOptions) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, reqBody)
	if err != nil {
		writeAPIErr(w, apierr.UpstreamError(http.StatusBadGateway, err.Error()))
		return
	}
	copyHeader(upstreamReq.Header, r.Header)
	removeHopByHop(upstreamReq.Header)
	for _, h := range []string{headerSession, headerRedact, headerHydrate, headerLocale} {
		upstreamReq.Header.Del(h)
	}
	if body != nil {
		upstreamReq.ContentLength = int64(len(body))
	}

	start := time.Now()
	resp, err := s.transport.RoundTrip(upstreamReq)
	if err != nil {
		writeAPIErr(w, apierr.UpstreamError(http.StatusBadGateway, err.Error()))
		return
	}
	defer resp.Body.Close()
	if s.metrics != nil {
		s.metrics.RecordUpstreamLatency(time.Since(start))
	}

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)

	if resp.StatusCode >= 400 {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body) //nolint:errcheck
		return
	}

	if !opts.hydrate || opts.sessionID == "" {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body) //nolint:errcheck
		return
	}

	if isSSE(resp.Header) {
		w.WriteHeader(resp.StatusCode)
		s.streamRehydrate(r.Context(), w, resp.Body, opts.sessionID)
		return
	}

	s.nonStreamingRehydrate(r.Context(), w, resp, opts.sessionID)
}

func (s *Server) nonStreamingRehydrate(ctx context.Context, w http.ResponseWriter, resp *http.Response, sessionID string) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		writeAPIErr(w, apierr.UpstreamError(http.StatusBadGateway, err.Error()))
		return
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		w.WriteHeader(resp.StatusCode)
		w.Write(raw) //nolint:errcheck
		return
	}
	rehydrated := s.rehydrateValue(ctx, doc, sessionID)
	out, err := json.Marshal(rehydrated)
	if err != nil {
		out = raw
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(out) //nolint:errcheck
}

// rehydrateValue recursively rehydrates every string leaf of a decoded JSON
// response value against sessionID.
func (s *Server) rehydrateValue(ctx context.Context, v any, sessionID string) any {
	switch val := v.(type) {
	case string:
		text, err := s.sessions.Hydrate(ctx, val, sessionID)
		if err != nil {
			return val
		}
		return text
	case []any:
		for i, item := range val {
			val[i] = s.rehydrateValue(ctx, item, sessionID)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = s.rehydrateValue(ctx, item, sessionID)
		}
		return val
	}
	return v
}

// streamRehydrate rehydrates an SSE body line by line, keeping a trailing
// buffer per content-delta text field sized token.MaxLen-1 bytes so a token
// split across SSE events is never flushed half-formed (§4.8 streaming
// contract, §5 "suspension points").
func (s *Server) streamRehydrate(ctx context.Context, w http.ResponseWriter, body io.ReadCloser, sessionID string) {
	defer body.Close()
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var textAccum strings.Builder

	flushRemainder := func() {
		if textAccum.Len() == 0 {
			return
		}
		rehydrated, err := s.sessions.Hydrate(ctx, textAccum.String(), sessionID)
		if err == nil {
			writeSynthDelta(w, rehydrated)
		}
		textAccum.Reset()
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			fmt.Fprintf(w, "%s\n", line)
			flushLine(w, flusher)
			continue
		}
		payload := line[len("data: "):]

		text, setText, ok := extractDeltaText(payload)
		if !ok {
			if err := s.rehydrateAndPassThrough(ctx, w, payload, sessionID); err != nil {
				fmt.Fprintf(w, "data: %s\n", payload)
			}
			flushLine(w, flusher)
			continue
		}

		textAccum.WriteString(text)
		accumulated := textAccum.String()

		flushUpTo := boundaryCutoff(accumulated)
		toFlush := accumulated[:flushUpTo]
		rehydrated, err := s.sessions.Hydrate(ctx, toFlush, sessionID)
		if err != nil {
			rehydrated = toFlush
		}

		newPayload, err := setText(rehydrated)
		if err != nil {
			fmt.Fprintf(w, "data: %s\n", payload)
		} else {
			fmt.Fprintf(w, "data: %s\n", newPayload)
		}
		flushLine(w, flusher)

		textAccum.Reset()
		textAccum.WriteString(accumulated[flushUpTo:])
	}

	flushRemainder()
	flushLine(w, flusher)
}

func (s *Server) rehydrateAndPassThrough(ctx context.Context, w http.ResponseWriter, payload []byte, sessionID string) error {
	rehydrated, err := s.sessions.Hydrate(ctx, string(payload), sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "data: %s\n", rehydrated)
	return nil
}

func flushLine(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSynthDelta(w http.ResponseWriter, text string) {
	synth := map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	}
	b, err := json.Marshal(synth)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// boundaryCutoff returns the prefix length of accumulated that cannot
// possibly contain a partial token: everything up to token.MaxLen-1 bytes
// before the end, unless an unterminated sentinel starts earlier.
func boundaryCutoff(accumulated string) int {
	if len(accumulated) <= token.MaxLen-1 {
		return 0
	}
	cutAt := len(accumulated) - (token.MaxLen - 1)
	if idx := strings.LastIndex(accumulated[:cutAt], string(token.SentinelOpen)); idx >= 0 {
		// a sentinel open before cutAt with no matching close means a token
		// may straddle the boundary; hold back from there instead.
		if !strings.ContainsRune(accumulated[idx:], token.SentinelClose) {
			cutAt = idx
		}
	}
	return cutAt
}

// anthropicDelta and openAIChunk cover the two upstream shapes the mediator
// rehydrates:
// Anthropic's content_block_delta/text_delta and OpenAI's
// choices[].delta.content.
type anthropicDelta struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// extractDeltaText recognizes a known streaming-delta shape in payload and
// returns its text plus a setter that re-serializes the envelope with
// replacement text. ok is false for frames the mediator should pass through
// unchanged (role markers, function calls, finish_reason, pings).
func extractDeltaText(payload []byte) (text string, setText func(string) ([]byte, error), ok bool) {
	var a anthropicDelta
	if err := json.Unmarshal(payload, &a); err == nil && a.Type == "content_block_delta" && a.Delta != nil &&
		(a.Delta.Type == "text_delta" || a.Delta.Type == "thinking_delta") {
		return a.Delta.Text, func(t string) ([]byte, error) {
			a.Delta.Text = t
			return json.Marshal(a)
		}, true
	}

	var o openAIChunk
	if err := json.Unmarshal(payload, &o); err == nil && len(o.Choices) == 1 && o.Choices[0].Delta.Content != "" {
		return o.Choices[0].Delta.Content, func(t string) ([]byte, error) {
			o.Choices[0].Delta.Content = t
			return json.Marshal(o)
		}, true
	}

	return "", nil, false
}

func isSSE(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIErr(w http.ResponseWriter, e *apierr.Error) {
	writeJSON(w, e.HTTPStatus, e.AsBody())
}
