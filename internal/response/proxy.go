package response

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prasenjit/go-mockengine/internal/models"
)

const maxUpstreamBody = 32 << 20

// hopHeaders are connection-scoped and never relayed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays a request to an environment's upstream
type Forwarder struct {
	client  *http.Client
	ceiling time.Duration
	maxBody int
}

// NewForwarder creates a forwarder. Redirects are returned to the caller
// rather than followed. ceiling bounds every call.
func NewForwarder(client *http.Client, ceiling time.Duration) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	relay := *client
	relay.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Forwarder{client: &relay, ceiling: ceiling, maxBody: maxUpstreamBody}
}

// Timeout returns the effective timeout for a proxy strategy. A rule may
// shorten the ceiling but never extend it.
func (f *Forwarder) Timeout(p models.ProxyResponse) time.Duration {
	if p.Timeout > 0 {
		if d := time.Duration(p.Timeout) * time.Millisecond; d < f.ceiling {
			return d
		}
	}
	return f.ceiling
}

// Forward sends req to baseURL and returns the upstream response verbatim,
// with the rule's headers applied on top. Failures are UpstreamProxyErrors
// unless ctx itself was cancelled.
func (f *Forwarder) Forward(ctx context.Context, req *models.MockRequest, baseURL string, p models.ProxyResponse) (*models.MockResponse, error) {
	if baseURL == "" {
		return nil, models.NewEngineError(models.KindUpstreamProxy, "", nil, "environment has no base URL")
	}

	target, err := targetURL(baseURL, req)
	if err != nil {
		return nil, models.NewEngineError(models.KindUpstreamProxy, "", err, "invalid base URL")
	}

	callCtx, cancel := context.WithTimeout(ctx, f.Timeout(p))
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	upstreamReq, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, models.NewEngineError(models.KindUpstreamProxy, "", err, "failed to build upstream request")
	}
	for key, values := range req.Headers {
		for _, v := range values {
			upstreamReq.Header.Add(key, v)
		}
	}
	stripHopHeaders(upstreamReq.Header)
	upstreamReq.Header.Del("Content-Length")
	upstreamReq.Header.Del("Host")

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, f.failure(ctx, err, target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBody)+1))
	if err != nil {
		return nil, f.failure(ctx, err, target)
	}
	if len(data) > f.maxBody {
		return nil, models.NewEngineError(models.KindUpstreamProxy, "", nil,
			"upstream %s body exceeds %d bytes", target, f.maxBody)
	}

	stripHopHeaders(resp.Header)
	out := &models.MockResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)+len(p.Headers)),
		Body:       bytes.Clone(data),
	}
	for key, values := range resp.Header {
		out.Headers[key] = strings.Join(values, ", ")
		if len(values) > 1 {
			if out.Repeated == nil {
				out.Repeated = make(map[string][]string)
			}
			out.Repeated[key] = append([]string(nil), values...)
		}
	}
	for key, value := range p.Headers {
		key = http.CanonicalHeaderKey(key)
		out.Headers[key] = value
		delete(out.Repeated, key)
	}
	return out, nil
}

func (f *Forwarder) failure(ctx context.Context, err error, target string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewEngineError(models.KindUpstreamProxy, "", err, "upstream %s timed out", target)
	}
	return models.NewEngineError(models.KindUpstreamProxy, "", err, "upstream %s failed", target)
}

func targetURL(baseURL string, req *models.MockRequest) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
	u.RawPath = ""
	if len(req.Query) > 0 {
		u.RawQuery = url.Values(req.Query).Encode()
	}
	return u.String(), nil
}

func stripHopHeaders(h http.Header) {
	for _, listed := range h.Values("Connection") {
		for _, name := range strings.Split(listed, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
