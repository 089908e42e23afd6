// Package server is an HTTP proxy that fetches protected fragmented MP4 from
// an origin and serves it decrypted. DASH manifests can be played through
// generated HLS playlists whose segments point back at the proxy.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"

	"cencstrip/config"
	"cencstrip/decrypt"
	"cencstrip/keystore"
	"cencstrip/manifest"
	"cencstrip/mp4"
	"cencstrip/utils"
)

const (
	contentTypeMP4      = "video/mp4"
	contentTypeJSON     = "application/json"
	contentTypePlaylist = "application/vnd.apple.mpegurl"
)

type settings struct {
	logger *slog.Logger
	dial   fasthttp.DialFunc
}

type Option func(*settings)

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithUpstreamDial replaces the TCP dialer used for origin requests.
func WithUpstreamDial(dial fasthttp.DialFunc) Option {
	return func(s *settings) { s.dial = dial }
}

type Server struct {
	cfg      config.Config
	keys     *keystore.Store
	upstream *Upstream
	segments *SegmentCache
	// inits holds decrypt.Protection by init URL and *manifest.MPD by
	// manifest URL.
	inits    *cache.Cache
	requests *RequestManager
	logger   *slog.Logger
	srv      *fasthttp.Server
}

func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&st)
	}
	keys, err := cfg.Keystore()
	if err != nil {
		return nil, err
	}
	segments, err := NewSegmentCache(cfg.Cache.Dir, cfg.Cache.MemoryTTL, cfg.Cache.FileTTL, st.logger)
	if err != nil {
		return nil, fmt.Errorf("segment cache: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		keys:     keys,
		upstream: NewUpstream(cfg, st.dial, st.logger),
		segments: segments,
		inits:    cache.New(goCacheTTL(cfg.Cache.InitTTL), 10*time.Minute),
		requests: NewRequestManager(),
		logger:   st.logger,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler,
		Name:               "cencstrip",
		ReadTimeout:        cfg.Timeout,
		WriteTimeout:       2 * cfg.Timeout,
		MaxRequestBodySize: 512 << 20,
	}
	s.logger.Info("server configured", "keys", keys.Len(), "scheme", cfg.Scheme,
		"memory_ttl", cfg.Cache.MemoryTTL, "file_ttl", cfg.Cache.FileTTL)
	return s, nil
}

// Keys is the store used when a request carries no keys of its own. Keys
// added to it are used by later requests.
func (s *Server) Keys() *keystore.Store { return s.keys }

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections, waits for open requests and
// flushes the file cache.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.ShutdownWithContext(ctx)
	s.segments.Close()
	return err
}

func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	switch string(ctx.Path()) {
	case "/decrypt":
		if s.allow(ctx, fasthttp.MethodGet, fasthttp.MethodPost) {
			s.handleDecrypt(ctx)
		}
	case "/probe":
		if s.allow(ctx, fasthttp.MethodGet, fasthttp.MethodPost) {
			s.handleProbe(ctx)
		}
	case "/hls/master.m3u8":
		if s.allow(ctx, fasthttp.MethodGet) {
			s.handleMaster(ctx)
		}
	case "/hls/media.m3u8":
		if s.allow(ctx, fasthttp.MethodGet) {
			s.handleMedia(ctx)
		}
	case "/cache/stats":
		if s.allow(ctx, fasthttp.MethodGet) {
			s.handleStats(ctx)
		}
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
	s.logger.Debug("request",
		"client", getClientIP(ctx),
		"method", string(ctx.Method()),
		"uri", string(ctx.RequestURI()),
		"status", ctx.Response.StatusCode(),
		"took", utils.FormatDuration(time.Since(start)))
}

func (s *Server) allow(ctx *fasthttp.RequestCtx, methods ...string) bool {
	m := string(ctx.Method())
	for _, want := range methods {
		if m == want {
			return true
		}
	}
	ctx.Response.Header.Set(fasthttp.HeaderAllow, strings.Join(methods, ", "))
	ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
	return false
}

func getClientIP(ctx *fasthttp.RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first, _, _ := strings.Cut(string(xff), ",")
		return strings.TrimSpace(first)
	}
	return ctx.RemoteAddr().String()
}

// fail maps err to a status code and writes it as plain text.
func (s *Server) fail(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, keystore.ErrInvalidKey):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, keystore.ErrNoKey):
		status = fasthttp.StatusForbidden
	case errors.Is(err, ErrUpstreamStatus), errors.Is(err, ErrTooManyRedirects), isUpstreamErr(err):
		status = fasthttp.StatusBadGateway
	case errors.Is(err, mp4.ErrMalformedBox), errors.Is(err, decrypt.ErrSampleCountMismatch),
		errors.Is(err, manifest.ErrNotMPD):
		status = fasthttp.StatusUnprocessableEntity
	}
	s.logger.Warn("request failed", "uri", string(ctx.RequestURI()), "status", status, "error", err)
	ctx.Error(err.Error(), status)
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type upstreamError struct{ err error }

func (e upstreamError) Error() string { return e.err.Error() }
func (e upstreamError) Unwrap() error { return e.err }

func isUpstreamErr(err error) bool {
	var ue upstreamError
	return errors.As(err, &ue)
}

func (s *Server) fetch(target string, extra ...string) (Response, error) {
	resp, err := s.upstream.Get(target, extra...)
	if err != nil {
		return resp, upstreamError{err}
	}
	return resp, nil
}

// decrypter uses the keys and scheme given in the query, falling back to the
// configured ones.
func (s *Server) decrypter(args *fasthttp.Args) (decrypt.SampleDecrypter, error) {
	var keys decrypt.Keys = s.keys
	if k := args.Peek("keys"); len(k) > 0 {
		ks := keystore.New()
		if err := ks.Parse(string(k)); err != nil {
			return nil, err
		}
		keys = ks
	}
	scheme := mp4.Scheme(s.cfg.Scheme)
	if v := string(args.Peek("scheme")); v != "" {
		if v != string(mp4.SchemeCENC) && v != string(mp4.SchemeCBCS) {
			return nil, badRequest("unsupported scheme %q", v)
		}
		scheme = mp4.Scheme(v)
	}
	return decrypt.KeysDecrypter(keys, scheme, s.cfg.SkipMissingKeys), nil
}

func (s *Server) decryptOptions() []decrypt.Option {
	return []decrypt.Option{decrypt.WithLogger(s.logger), decrypt.WithParallel(s.cfg.Parallel)}
}

// handleDecrypt serves GET /decrypt?url=&init= from the origin and POST
// /decrypt?init= from the request body.
func (s *Server) handleDecrypt(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	target := string(args.Peek("url"))
	initURL := string(args.Peek("init"))
	fn, err := s.decrypter(args)
	if err != nil {
		s.fail(ctx, err)
		return
	}

	if ctx.IsPost() {
		body := append([]byte(nil), ctx.PostBody()...)
		out, err := s.decryptBody(ctx, body, "", initURL, fn)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		ctx.SetContentType(contentTypeMP4)
		ctx.SetBody(out)
		return
	}

	if target == "" {
		s.fail(ctx, badRequest("missing url"))
		return
	}
	key := target + "?" + string(args.QueryString())
	data, meta, hit, err := s.cached(key, func() ([]byte, Metadata, error) {
		resp, err := s.fetch(target)
		if err != nil {
			return nil, Metadata{}, err
		}
		out, err := s.decryptBody(ctx, resp.Body, target, initURL, fn)
		return out, Metadata{ContentType: resp.ContentType, URL: target}, err
	})
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if meta.ContentType == "" {
		meta.ContentType = contentTypeMP4
	}
	if hit {
		ctx.Response.Header.Set("X-Cache", "HIT")
	} else {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}
	ctx.SetContentType(meta.ContentType)
	ctx.SetBody(data)
}

// cached returns the segment under key, producing it with fetch when it is
// not cached. hit is false only for the request that ran fetch.
func (s *Server) cached(key string, fetch func() ([]byte, Metadata, error)) ([]byte, Metadata, bool, error) {
	v, hit, err := s.requests.Do(key,
		func() (any, bool) {
			data, meta, ok := s.segments.Get(key)
			return cacheItem{Data: data, Metadata: meta}, ok
		},
		func() (any, error) {
			data, meta, err := fetch()
			if err != nil {
				return nil, err
			}
			s.segments.Set(key, data, meta)
			return cacheItem{Data: data, Metadata: meta}, nil
		})
	if err != nil {
		return nil, Metadata{}, false, err
	}
	item := v.(cacheItem)
	return item.Data, item.Metadata, hit, nil
}

// decryptBody decrypts body in place. An init segment is rewritten and its
// protection remembered under srcURL. A media segment with an initURL is
// decrypted with that init's protection; anything else is decrypted as a
// stream that may carry its own init.
func (s *Server) decryptBody(ctx context.Context, body []byte, srcURL, initURL string, fn decrypt.SampleDecrypter) ([]byte, error) {
	if mp4.IsInitSegment(body) {
		info, err := mp4.RewriteInitSegment(body)
		if err != nil {
			return nil, err
		}
		if srcURL != "" {
			s.rememberInit(srcURL, decrypt.ProtectionFromInit(info))
		}
		return body, nil
	}
	if initURL != "" {
		prot, err := s.protection(initURL)
		if err != nil {
			return nil, err
		}
		return decrypt.DecryptSegment(ctx, body, prot, fn, s.decryptOptions()...)
	}
	return decrypt.DecryptBytes(ctx, body, fn, s.decryptOptions()...)
}

func (s *Server) rememberInit(initURL string, prot decrypt.Protection) {
	if s.cfg.Cache.InitTTL < 0 {
		return
	}
	s.inits.Set("init:"+initURL, prot, goCacheTTL(s.cfg.Cache.InitTTL))
}

// protection returns the protection of the init segment at initURL,
// fetching it once per InitTTL.
func (s *Server) protection(initURL string) (decrypt.Protection, error) {
	key := "init:" + initURL
	v, _, err := s.requests.Do(key,
		func() (any, bool) { return s.inits.Get(key) },
		func() (any, error) {
			resp, err := s.fetch(initURL)
			if err != nil {
				return nil, err
			}
			info, err := mp4.ScanInit(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("init %s: %w", initURL, err)
			}
			prot := decrypt.ProtectionFromInit(info)
			s.rememberInit(initURL, prot)
			s.logger.Debug("init segment cached", "url", initURL, "scheme", prot.Scheme, "tracks", len(info.Entries))
			return prot, nil
		})
	if err != nil {
		return decrypt.Protection{}, err
	}
	return v.(decrypt.Protection), nil
}

type psshReport struct {
	SystemID    string   `json:"system_id"`
	KeyIDs      []string `json:"key_ids,omitempty"`
	WidevineKID string   `json:"widevine_kid,omitempty"`
	Pssh        string   `json:"pssh"`
}

type probeReport struct {
	// Type is "mp4" or "mpd".
	Type            string       `json:"type"`
	Scheme          string       `json:"scheme,omitempty"`
	DefaultKIDs     []string     `json:"default_kids"`
	Codecs          []string     `json:"codecs,omitempty"`
	IsMultiDrm      bool         `json:"is_multi_drm,omitempty"`
	Pssh            []psshReport `json:"pssh"`
	Representations []string     `json:"representations,omitempty"`
	// KnownKIDs are the default KIDs the proxy holds keys for.
	KnownKIDs []string `json:"known_kids"`
}

func newPsshReports(list []mp4.PsshInfo) []psshReport {
	out := make([]psshReport, 0, len(list))
	for _, p := range list {
		r := psshReport{SystemID: p.SystemID, KeyIDs: p.KeyIDs, Pssh: p.Base64()}
		r.WidevineKID, _ = p.WidevineKID()
		out = append(out, r)
	}
	return out
}

func (s *Server) knownKIDs(kids []string) []string {
	known := []string{}
	for _, kid := range kids {
		if _, err := s.keys.Key(kid); err == nil {
			known = append(known, kid)
		}
	}
	return known
}

// looksLikeXML reports whether body starts with markup.
func looksLikeXML(body []byte) bool {
	body = bytes.TrimLeft(body, " \t\r\n\xef\xbb\xbf")
	return len(body) > 0 && body[0] == '<'
}

// handleProbe reports the protection of an MP4 or an MPD without
// decrypting. Only the first mp4.ProbeSize bytes of an MP4 are requested.
func (s *Server) handleProbe(ctx *fasthttp.RequestCtx) {
	var body []byte
	baseURL := ""
	if ctx.IsPost() {
		body = ctx.PostBody()
	} else {
		target := string(ctx.QueryArgs().Peek("url"))
		if target == "" {
			s.fail(ctx, badRequest("missing url"))
			return
		}
		var extra []string
		if !strings.HasSuffix(strings.ToLower(pathOf(target)), ".mpd") {
			extra = append(extra, fmt.Sprintf("Range: bytes=0-%d", mp4.ProbeSize-1))
		}
		resp, err := s.fetch(target, extra...)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		body, baseURL = resp.Body, resp.URL
	}

	var report probeReport
	if looksLikeXML(body) {
		m, err := manifest.ParseMPD(body, baseURL)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		report = probeReport{
			Type:        "mpd",
			DefaultKIDs: m.DefaultKIDs(),
			Pssh:        newPsshReports(m.Pssh()),
		}
		for _, as := range m.Sets {
			for _, r := range as.Representations {
				report.Representations = append(report.Representations, r.ID)
			}
		}
	} else {
		res, err := mp4.Probe(body[:min(len(body), mp4.ProbeSize)])
		if err != nil {
			s.fail(ctx, err)
			return
		}
		report = probeReport{
			Type:        "mp4",
			Scheme:      string(res.Scheme),
			Codecs:      res.Codecs,
			IsMultiDrm:  res.IsMultiDrm,
			Pssh:        newPsshReports(res.Pssh),
			DefaultKIDs: []string{},
		}
		if res.DefaultKID != "" {
			report.DefaultKIDs = append(report.DefaultKIDs, res.DefaultKID)
		}
	}
	report.KnownKIDs = s.knownKIDs(report.DefaultKIDs)
	s.writeJSON(ctx, report)
}

func pathOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Path
}

// mpd fetches and parses the manifest named by the mpd query argument.
// Static manifests are kept for InitTTL.
func (s *Server) mpd(ctx *fasthttp.RequestCtx) (*manifest.MPD, string, error) {
	mpdURL := string(ctx.QueryArgs().Peek("mpd"))
	if mpdURL == "" {
		return nil, "", badRequest("missing mpd")
	}
	key := "mpd:" + mpdURL
	if v, ok := s.inits.Get(key); ok {
		return v.(*manifest.MPD), mpdURL, nil
	}
	resp, err := s.fetch(mpdURL)
	if err != nil {
		return nil, "", err
	}
	m, err := manifest.ParseMPD(resp.Body, resp.URL)
	if err != nil {
		return nil, "", err
	}
	if m.Static() && s.cfg.Cache.InitTTL >= 0 {
		s.inits.Set(key, m, goCacheTTL(s.cfg.Cache.InitTTL))
	}
	return m, mpdURL, nil
}

// links points playlist entries back at this proxy, carrying the keys and
// scheme arguments of the playlist request.
func links(mpdURL string, args *fasthttp.Args) manifest.Links {
	pass := url.Values{}
	for _, name := range []string{"keys", "scheme"} {
		if v := args.Peek(name); len(v) > 0 {
			pass.Set(name, string(v))
		}
	}
	with := func(q url.Values) string {
		for k, v := range pass {
			q[k] = v
		}
		return q.Encode()
	}
	return manifest.Links{
		Media: func(_ *manifest.AdaptationSet, r *manifest.Representation) string {
			return "media.m3u8?" + with(url.Values{"mpd": {mpdURL}, "rep": {r.ID}})
		},
		Segment: func(segURL, initURL string) string {
			q := url.Values{"url": {segURL}}
			if initURL != "" {
				q.Set("init", initURL)
			}
			return "/decrypt?" + with(q)
		},
		Init: func(initURL string) string {
			return "/decrypt?" + with(url.Values{"url": {initURL}})
		},
	}
}

func (s *Server) handleMaster(ctx *fasthttp.RequestCtx) {
	m, mpdURL, err := s.mpd(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.SetContentType(contentTypePlaylist)
	ctx.SetBodyString(m.MasterPlaylist(links(mpdURL, ctx.QueryArgs())))
}

func (s *Server) handleMedia(ctx *fasthttp.RequestCtx) {
	m, mpdURL, err := s.mpd(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	rep := string(ctx.QueryArgs().Peek("rep"))
	_, r, ok := m.Representation(rep)
	if !ok {
		ctx.Error(fmt.Sprintf("representation %q not found", rep), fasthttp.StatusNotFound)
		return
	}
	ctx.SetContentType(contentTypePlaylist)
	ctx.SetBodyString(m.MediaPlaylist(r, links(mpdURL, ctx.QueryArgs())))
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	report := s.segments.Report()
	report.Inits = s.inits.ItemCount()
	report.InFlight = s.requests.InFlight()
	s.writeJSON(ctx, report)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.SetContentType(contentTypeJSON)
	ctx.SetBody(data)
}
