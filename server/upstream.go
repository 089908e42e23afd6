package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"

	"cencstrip/config"
	"cencstrip/manifest"
)

var (
	ErrUpstreamStatus   = errors.New("upstream: unexpected status")
	ErrTooManyRedirects = errors.New("upstream: too many redirects")
)

// Response is a fetched upstream body. URL is where it was finally served
// from after redirects.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	URL         string
}

// Upstream fetches origin URLs with the configured headers. Redirects are
// followed by hand so their targets can be cached: a target with the same
// file name is reused for RedirectTTL, any other for a minute.
type Upstream struct {
	client       *fasthttp.Client
	headers      [][2]string
	timeout      time.Duration
	maxRedirects int
	redirectTTL  time.Duration
	redirects    *cache.Cache
	logger       *slog.Logger
}

// NewUpstream builds a client from cfg. dial may be nil to use TCP.
func NewUpstream(cfg config.Config, dial fasthttp.DialFunc, logger *slog.Logger) *Upstream {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Upstream{
		client: &fasthttp.Client{
			Name:                "cencstrip",
			Dial:                dial,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxResponseBodySize: 512 << 20,
		},
		timeout:      cfg.Timeout,
		maxRedirects: cfg.MaxRedirects,
		redirectTTL:  cfg.Cache.RedirectTTL,
		redirects:    cache.New(cfg.Cache.RedirectTTL, 10*time.Minute),
		logger:       logger,
	}
	for _, head := range cfg.UpstreamHeaders {
		kv := strings.SplitN(head, ":", 2)
		if len(kv) == 2 {
			u.headers = append(u.headers, [2]string{strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])})
		}
	}
	return u
}

// Get fetches startURL. extra holds additional "Name: value" headers for
// this request only. Only 200 and 206 are successful.
func (u *Upstream) Get(startURL string, extra ...string) (Response, error) {
	currentURL := startURL
	cached := false
	if v, ok := u.redirects.Get(startURL); ok {
		cached = true
		currentURL = v.(string)
		u.logger.Debug("using cached redirect", "url", startURL, "target", currentURL)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	for redirects := 0; ; redirects++ {
		req.Reset()
		resp.Reset()
		req.SetRequestURI(currentURL)
		req.Header.SetMethod(fasthttp.MethodGet)
		for _, h := range u.headers {
			req.Header.Set(h[0], h[1])
		}
		for _, head := range extra {
			if k, v, ok := strings.Cut(head, ":"); ok {
				req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
			}
		}

		if err := u.client.DoTimeout(req, resp, u.timeout); err != nil {
			u.redirects.Delete(startURL)
			return Response{}, fmt.Errorf("upstream %s: %w", currentURL, err)
		}
		status := resp.StatusCode()
		if fasthttp.StatusCodeIsRedirect(status) {
			loc := string(resp.Header.Peek(fasthttp.HeaderLocation))
			if loc == "" {
				return Response{}, fmt.Errorf("%w %d without Location from %s", ErrUpstreamStatus, status, currentURL)
			}
			if redirects >= u.maxRedirects {
				u.redirects.Delete(startURL)
				return Response{}, fmt.Errorf("%w: %s", ErrTooManyRedirects, startURL)
			}
			currentURL = manifest.Resolve(loc, currentURL)
			continue
		}
		if status != fasthttp.StatusOK && status != fasthttp.StatusPartialContent {
			u.redirects.Delete(startURL)
			return Response{Status: status}, fmt.Errorf("%w %d from %s", ErrUpstreamStatus, status, currentURL)
		}
		break
	}

	if !cached && startURL != currentURL && u.redirectTTL >= 0 {
		ttl := time.Minute
		if isSameFileName(startURL, currentURL) {
			ttl = goCacheTTL(u.redirectTTL)
		}
		u.redirects.Set(startURL, currentURL, ttl)
	}
	return Response{
		Status:      resp.StatusCode(),
		Body:        append([]byte(nil), resp.Body()...),
		ContentType: string(resp.Header.ContentType()),
		URL:         currentURL,
	}, nil
}

// Redirect returns the cached redirect target of startURL.
func (u *Upstream) Redirect(startURL string) (string, bool) {
	v, ok := u.redirects.Get(startURL)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func isSameFileName(url1, url2 string) bool {
	u1, err1 := url.Parse(url1)
	u2, err2 := url.Parse(url2)
	if err1 != nil || err2 != nil {
		return false
	}
	return path.Base(u1.Path) == path.Base(u2.Path)
}
