// Package proxy forwards one buffered request to a deployed instance and
// buffers its answer.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

// MaxTimeout caps the upstream timeout.
const MaxTimeout = 30 * time.Second

// SecretQueryParam is the query parameter callers may put the access secret in.
const SecretQueryParam = "api_key"

// Target is the instance a request goes to.
type Target struct {
	Host string
	Port int
}

func (t Target) baseURL() string {
	return "http://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Request is an inbound request, already buffered.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Header   http.Header
	Body     []byte
	ClientIP string
	Host     string
	Proto    string
}

// Response is the instance's answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// ContentType returns the upstream content type.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// CopyTo writes the response to w.
func (r *Response) CopyTo(w http.ResponseWriter) {
	copyHeaders(w.Header(), r.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.StatusCode)
	_, _ = w.Write(r.Body)
}

// Forwarder sends requests to instances with a hard timeout.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

// New creates a Forwarder. timeout is capped at MaxTimeout.
func New(timeout time.Duration, maxBody int64) *Forwarder {
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects go back to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		maxBody: maxBody,
	}
}

// Timeout returns the effective upstream timeout.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// MaxBody returns the body size limit in bytes.
func (f *Forwarder) MaxBody() int64 {
	return f.maxBody
}

// ReadBody buffers r's body, rejecting bodies over the limit.
func (f *Forwarder) ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, f.maxBody+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, err, "failed to read request body")
	}
	if int64(len(body)) > f.maxBody {
		return nil, apperr.Newf(apperr.Invalid, "request body exceeds %d bytes", f.maxBody)
	}
	return body, nil
}

// Forward sends req to target. Any upstream status is a successful
// Response; errors are UpstreamTimeout or UpstreamError.
func (f *Forwarder) Forward(ctx context.Context, target Target, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	outReq, err := f.buildRequest(ctx, target, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := f.client.Do(outReq)
	if err != nil {
		return nil, classify(err, f.timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, classify(err, f.timeout)
	}
	if int64(len(body)) > f.maxBody {
		return nil, apperr.Newf(apperr.UpstreamError, "upstream response exceeds %d bytes", f.maxBody)
	}

	header := resp.Header.Clone()
	removeHopByHopHeaders(header)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Latency:    time.Since(start),
	}, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, target Target, req *Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(target.baseURL())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "invalid instance address")
	}
	u.Path = "/" + strings.TrimLeft(req.Path, "/")

	query := url.Values{}
	for k, v := range req.Query {
		if k == SecretQueryParam {
			continue
		}
		query[k] = append([]string(nil), v...)
	}
	u.RawQuery = query.Encode()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	outReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, err, "invalid request")
	}

	copyHeaders(outReq.Header, req.Header)
	removeHopByHopHeaders(outReq.Header)
	for _, h := range gatewayHeaders {
		outReq.Header.Del(h)
	}

	if req.ClientIP != "" {
		outReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}
	if req.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", req.Host)
	}
	proto := req.Proto
	if proto == "" {
		proto = "http"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
	return outReq, nil
}

// classify maps a transport error onto the gateway's error kinds.
func classify(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.UpstreamTimeout, err, fmt.Sprintf("instance did not respond within %s", timeout))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.UpstreamTimeout, err, fmt.Sprintf("instance did not respond within %s", timeout))
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.UpstreamError, err, "request cancelled")
	}
	return apperr.Wrap(apperr.UpstreamError, err, "instance unreachable")
}

// gatewayHeaders carry the gateway's own credentials or identity and are
// never passed on.
var gatewayHeaders = []string{
	"Host",
	"X-Api-Key",
	"Authorization",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
	"X-Request-Id",
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeHopByHopHeaders removes headers that should not be forwarded,
// including any named by Connection.
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
