package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"cencstrip/config"
	"cencstrip/internal/fixture"
	"cencstrip/mp4"
)

const originURL = "http://origin.test"

var keyHex = hex.EncodeToString(fixture.Key)

type media struct {
	init, initClear []byte
	seg, segClear   []byte
}

func testMedia(t *testing.T) media {
	t.Helper()
	track := fixture.Track{ID: 1, Video: true, Format: "avc1", Scheme: "cenc", PerSampleIVSize: 8}
	init := fixture.Init([]fixture.Track{track},
		fixture.Pssh(fixture.WidevineSystemID, nil, fixture.WidevineData(fixture.KID)))
	initClear := append([]byte(nil), init...)
	_, err := mp4.RewriteInitSegment(initClear)
	require.NoError(t, err)

	seg, segClear := fixture.Segment{
		Sequence: 1, TrackID: 1, Scheme: "cenc", Key: fixture.Key, UseSubsamples: true,
		Samples: []fixture.Sample{
			{
				Data: fixture.Pattern(90, 1), IV: fixture.Pattern(8, 0x10), Duration: 10,
				Subsamples: []fixture.Subsample{{Clear: 10, Encrypted: 64}, {Clear: 16, Encrypted: 0}},
			},
			{Data: fixture.Pattern(33, 2), IV: fixture.Pattern(8, 0x20), Duration: 10,
				Subsamples: []fixture.Subsample{{Clear: 1, Encrypted: 32}}},
		},
	}.Build()
	return media{init: init, initClear: initClear, seg: seg, segClear: segClear}
}

// origin is an in-memory upstream serving fixed files. Paths under
// /redirect/ redirect to the rest of the path; /loop redirects to itself.
type origin struct {
	ln    *fasthttputil.InmemoryListener
	files map[string][]byte

	mu      sync.Mutex
	hits    map[string]int
	headers map[string]string
}

func newOrigin(t *testing.T, files map[string][]byte) *origin {
	t.Helper()
	o := &origin{
		ln:      fasthttputil.NewInmemoryListener(),
		files:   files,
		hits:    map[string]int{},
		headers: map[string]string{},
	}
	srv := &fasthttp.Server{Handler: o.handle}
	go func() { _ = srv.Serve(o.ln) }()
	t.Cleanup(func() { _ = o.ln.Close() })
	return o
}

func (o *origin) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	o.mu.Lock()
	o.hits[path]++
	o.headers["X-Token"] = string(ctx.Request.Header.Peek("X-Token"))
	o.headers["Range"] = string(ctx.Request.Header.Peek("Range"))
	o.mu.Unlock()

	switch {
	case path == "/loop":
		ctx.Redirect("/loop", fasthttp.StatusFound)
		return
	case strings.HasPrefix(path, "/redirect/"):
		ctx.Redirect(strings.TrimPrefix(path, "/redirect"), fasthttp.StatusFound)
		return
	}
	body, ok := o.files[path]
	if !ok {
		ctx.Error("missing", fasthttp.StatusNotFound)
		return
	}
	if strings.HasSuffix(path, ".mpd") {
		ctx.SetContentType("application/dash+xml")
	} else {
		ctx.SetContentType("video/iso.segment")
	}
	ctx.SetBody(body)
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) header(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[name]
}

type proxy struct {
	*Server
	client *fasthttp.Client
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Keys = []string{keyHex}
	cfg.UpstreamHeaders = []string{"X-Token: secret"}
	cfg.Timeout = 5 * time.Second
	cfg.Cache.Dir = t.TempDir()
	return cfg
}

func newProxy(t *testing.T, o *origin, cfg config.Config) *proxy {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, WithLogger(logger), WithUpstreamDial(func(string) (net.Conn, error) {
		return o.ln.Dial()
	}))
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return &proxy{Server: s, client: client}
}

type result struct {
	status      int
	body        []byte
	contentType string
	cache       string
}

func (p *proxy) do(t *testing.T, method, uri string, body []byte) result {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://proxy.test" + uri)
	req.Header.SetMethod(method)
	if body != nil {
		req.SetBody(body)
	}
	require.NoError(t, p.client.DoTimeout(req, resp, 5*time.Second))
	return result{
		status:      resp.StatusCode(),
		body:        append([]byte(nil), resp.Body()...),
		contentType: string(resp.Header.ContentType()),
		cache:       string(resp.Header.Peek("X-Cache")),
	}
}

func (p *proxy) get(t *testing.T, uri string) result {
	return p.do(t, fasthttp.MethodGet, uri, nil)
}

func decryptURI(target, init string) string {
	q := url.Values{"url": {originURL + target}}
	if init != "" {
		q.Set("init", originURL+init)
	}
	return "/decrypt?" + q.Encode()
}

func TestDecryptSegmentWithInit(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/init.mp4": m.init, "/v/seg1.m4s": m.seg})
	p := newProxy(t, o, testConfig(t))

	res := p.get(t, decryptURI("/v/seg1.m4s", "/v/init.mp4"))
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	require.Equal(t, m.segClear, res.body)
	require.Equal(t, "video/iso.segment", res.contentType)
	require.Equal(t, "MISS", res.cache)
	require.Equal(t, "secret", o.header("X-Token"))

	res = p.get(t, decryptURI("/v/seg1.m4s", "/v/init.mp4"))
	require.Equal(t, m.segClear, res.body)
	require.Equal(t, "HIT", res.cache)
	require.Equal(t, 1, o.hitCount("/v/seg1.m4s"))
	require.Equal(t, 1, o.hitCount("/v/init.mp4"))
}

func TestDecryptInitRemembersProtection(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/init.mp4": m.init, "/v/seg1.m4s": m.seg})
	p := newProxy(t, o, testConfig(t))

	res := p.get(t, decryptURI("/v/init.mp4", ""))
	require.Equal(t, fasthttp.StatusOK, res.status)
	require.Equal(t, m.initClear, res.body)

	res = p.get(t, decryptURI("/v/seg1.m4s", "/v/init.mp4"))
	require.Equal(t, m.segClear, res.body)
	require.Equal(t, 1, o.hitCount("/v/init.mp4"))
}

func TestDecryptWholeFile(t *testing.T) {
	m := testMedia(t)
	file := bytes.Join([][]byte{m.init, m.seg}, nil)
	o := newOrigin(t, map[string][]byte{"/file.mp4": file})
	p := newProxy(t, o, testConfig(t))

	res := p.get(t, decryptURI("/file.mp4", ""))
	require.Equal(t, fasthttp.StatusOK, res.status)
	require.Equal(t, bytes.Join([][]byte{m.initClear, m.segClear}, nil), res.body)
}

func TestDecryptPost(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/init.mp4": m.init})
	p := newProxy(t, o, testConfig(t))

	q := url.Values{"init": {originURL + "/v/init.mp4"}}
	res := p.do(t, fasthttp.MethodPost, "/decrypt?"+q.Encode(), m.seg)
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	require.Equal(t, m.segClear, res.body)
	require.Equal(t, contentTypeMP4, res.contentType)

	res = p.do(t, fasthttp.MethodPost, "/decrypt", m.init)
	require.Equal(t, m.initClear, res.body)
}

func TestDecryptKeysArgument(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/init.mp4": m.init, "/v/seg1.m4s": m.seg})
	cfg := testConfig(t)
	cfg.Keys = nil
	p := newProxy(t, o, cfg)

	res := p.get(t, decryptURI("/v/seg1.m4s", "/v/init.mp4"))
	require.Equal(t, fasthttp.StatusForbidden, res.status)

	uri := decryptURI("/v/seg1.m4s", "/v/init.mp4") + "&keys=" + hex.EncodeToString(fixture.KID) + ":" + keyHex
	res = p.get(t, uri)
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	require.Equal(t, m.segClear, res.body)

	res = p.get(t, decryptURI("/v/seg1.m4s", "/v/init.mp4")+"&keys=zz")
	require.Equal(t, fasthttp.StatusBadRequest, res.status)
}

func TestDecryptErrors(t *testing.T) {
	o := newOrigin(t, map[string][]byte{"/junk.m4s": []byte("not an mp4 at all")})
	p := newProxy(t, o, testConfig(t))

	for _, tc := range []struct {
		method, uri string
		status      int
	}{
		{fasthttp.MethodGet, "/decrypt", fasthttp.StatusBadRequest},
		{fasthttp.MethodGet, decryptURI("/missing.m4s", ""), fasthttp.StatusBadGateway},
		{fasthttp.MethodGet, decryptURI("/junk.m4s", "") + "&scheme=cens", fasthttp.StatusBadRequest},
		{fasthttp.MethodPut, "/decrypt", fasthttp.StatusMethodNotAllowed},
		{fasthttp.MethodPost, "/hls/master.m3u8", fasthttp.StatusMethodNotAllowed},
		{fasthttp.MethodGet, "/nope", fasthttp.StatusNotFound},
		{fasthttp.MethodGet, "/hls/master.m3u8", fasthttp.StatusBadRequest},
	} {
		res := p.do(t, tc.method, tc.uri, nil)
		require.Equal(t, tc.status, res.status, "%s %s: %s", tc.method, tc.uri, res.body)
	}
}

func TestUpstreamRedirects(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/seg1.m4s": m.seg, "/v/init.mp4": m.init})
	cfg := testConfig(t)
	cfg.Cache.MemoryTTL = -1
	p := newProxy(t, o, cfg)

	for i := 0; i < 2; i++ {
		res := p.get(t, decryptURI("/redirect/v/seg1.m4s", "/v/init.mp4"))
		require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
		require.Equal(t, m.segClear, res.body)
	}
	// The second request went straight to the cached target.
	require.Equal(t, 1, o.hitCount("/redirect/v/seg1.m4s"))
	require.Equal(t, 2, o.hitCount("/v/seg1.m4s"))
	target, ok := p.upstream.Redirect(originURL + "/redirect/v/seg1.m4s")
	require.True(t, ok)
	require.Equal(t, originURL+"/v/seg1.m4s", target)
}

func TestUpstreamTooManyRedirects(t *testing.T) {
	o := newOrigin(t, nil)
	cfg := testConfig(t)
	cfg.MaxRedirects = 2
	p := newProxy(t, o, cfg)

	res := p.get(t, decryptURI("/loop", ""))
	require.Equal(t, fasthttp.StatusBadGateway, res.status)
	require.Equal(t, 3, o.hitCount("/loop"))
}

func TestProbeMP4(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/init.mp4": m.init})
	p := newProxy(t, o, testConfig(t))

	res := p.get(t, "/probe?url="+url.QueryEscape(originURL+"/v/init.mp4"))
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	require.Equal(t, contentTypeJSON, res.contentType)
	require.Equal(t, fmt.Sprintf("bytes=0-%d", mp4.ProbeSize-1), o.header("Range"))

	var report probeReport
	require.NoError(t, json.Unmarshal(res.body, &report))
	kid := hex.EncodeToString(fixture.KID)
	require.Equal(t, "mp4", report.Type)
	require.Equal(t, "cenc", report.Scheme)
	require.Equal(t, []string{kid}, report.DefaultKIDs)
	require.Equal(t, []string{kid}, report.KnownKIDs)
	require.Equal(t, []string{"avc1"}, report.Codecs)
	require.Len(t, report.Pssh, 1)
	require.Equal(t, mp4.WidevineSystemID, report.Pssh[0].SystemID)
	require.Equal(t, kid, report.Pssh[0].WidevineKID)

	res = p.do(t, fasthttp.MethodPost, "/probe", m.init)
	require.Equal(t, fasthttp.StatusOK, res.status)
}

const testManifest = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:cenc="urn:mpeg:cenc:2013" type="static" mediaPresentationDuration="PT2S">
  <Period>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="eb676abb-cb34-5e96-bbcf-616630f1a3da"/>
      <SegmentTemplate timescale="1" initialization="init.mp4" media="seg$Number$.m4s" startNumber="1" duration="1"/>
      <Representation id="v1" bandwidth="1000000" codecs="avc1.64001f" width="640" height="360"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestProbeMPD(t *testing.T) {
	o := newOrigin(t, map[string][]byte{"/v/manifest.mpd": []byte(testManifest)})
	p := newProxy(t, o, testConfig(t))

	res := p.get(t, "/probe?url="+url.QueryEscape(originURL+"/v/manifest.mpd"))
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	require.Empty(t, o.header("Range"))

	var report probeReport
	require.NoError(t, json.Unmarshal(res.body, &report))
	require.Equal(t, "mpd", report.Type)
	require.Equal(t, []string{"eb676abbcb345e96bbcf616630f1a3da"}, report.DefaultKIDs)
	require.Equal(t, []string{"v1"}, report.Representations)
}

func TestHLSPlaylists(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{
		"/v/manifest.mpd": []byte(testManifest),
		"/v/init.mp4":     m.init,
		"/v/seg1.m4s":     m.seg,
	})
	p := newProxy(t, o, testConfig(t))
	mpdURL := url.QueryEscape(originURL + "/v/manifest.mpd")

	res := p.get(t, "/hls/master.m3u8?mpd="+mpdURL)
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	require.Equal(t, contentTypePlaylist, res.contentType)
	require.Contains(t, string(res.body), "media.m3u8?mpd="+mpdURL+"&rep=v1\n")

	res = p.get(t, "/hls/media.m3u8?rep=v1&mpd="+mpdURL)
	require.Equal(t, fasthttp.StatusOK, res.status, string(res.body))
	playlist := string(res.body)
	require.Contains(t, playlist, `#EXT-X-MAP:URI="`+decryptURI("/v/init.mp4", "")+`"`)
	require.Contains(t, playlist, "#EXT-X-ENDLIST")

	var segURI string
	for _, line := range strings.Split(playlist, "\n") {
		if strings.HasPrefix(line, "/decrypt?") {
			segURI = line
			break
		}
	}
	require.Equal(t, decryptURI("/v/seg1.m4s", "/v/init.mp4"), segURI)
	res = p.get(t, segURI)
	require.Equal(t, m.segClear, res.body)

	// The static manifest was fetched once.
	require.Equal(t, 1, o.hitCount("/v/manifest.mpd"))

	res = p.get(t, "/hls/media.m3u8?rep=v9&mpd="+mpdURL)
	require.Equal(t, fasthttp.StatusNotFound, res.status)
}

func TestCacheStats(t *testing.T) {
	m := testMedia(t)
	o := newOrigin(t, map[string][]byte{"/v/init.mp4": m.init, "/v/seg1.m4s": m.seg})
	p := newProxy(t, o, testConfig(t))

	p.get(t, decryptURI("/v/seg1.m4s", "/v/init.mp4"))
	res := p.get(t, "/cache/stats")
	require.Equal(t, fasthttp.StatusOK, res.status)

	var report CacheReport
	require.NoError(t, json.Unmarshal(res.body, &report))
	require.Equal(t, 1, report.Memory.Count)
	require.Equal(t, int64(len(m.segClear)), report.Memory.TotalSizeBytes)
	require.Equal(t, 1, report.Inits)
	require.Zero(t, report.File.Count)
}
