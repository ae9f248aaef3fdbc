package testrun

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/apiengine/internal/gateway/proxy"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

func newInstance(t *testing.T) proxy.Target {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/greet":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"message": "hello " + r.URL.Query().Get("name"),
				"meta":    map[string]any{"count": 2, "method": r.Method},
			})
		case "/greet/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
			w.Write(body)
		case "/greet/slow":
			time.Sleep(300 * time.Millisecond)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return proxy.Target{Host: host, Port: port}
}

func TestRunOne(t *testing.T) {
	target := newInstance(t)
	r := New(proxy.New(time.Second, 1<<20), 2)

	res, err := r.RunOne(context.Background(), target, "/greet", Request{
		QueryParams: map[string]string{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Headers["Content-Type"], "application/json")
	doc, ok := res.JSON.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello ada", doc["message"])

	res, err = r.RunOne(context.Background(), target, "greet", Request{
		Method: "post",
		Path:   "/echo",
		Body:   map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, res.Body)

	_, err = r.RunOne(context.Background(), target, "greet", Request{Method: "TRACE"})
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
}

func TestRunSuite_YAML(t *testing.T) {
	target := newInstance(t)
	r := New(proxy.New(200*time.Millisecond, 1<<20), 2)

	suite, err := ParseSuite([]byte(`
cases:
  - name: greets by name
    request:
      method: GET
      query_params: {name: bob}
    expect:
      status: 200
      body_contains: bob
      headers: {content-type: application/json}
      json:
        message: hello bob
        meta: {count: 2}
  - name: wrong status
    request: {path: missing}
    expect: {status: 200}
  - name: echoes raw text
    request:
      method: POST
      path: echo
      headers: {Content-Type: text/plain}
      body: plain words
    expect: {status: 200, body_contains: plain words}
  - request: {path: slow}
    expect: {status: 200}
`), "application/yaml")
	require.NoError(t, err)

	summary, err := r.RunSuite(context.Background(), target, "greet", suite)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 2, summary.Failed)

	byName := map[string]CaseResult{}
	for _, res := range summary.Results {
		byName[res.Name] = res
	}
	assert.True(t, byName["greets by name"].Passed, "%v", byName["greets by name"].Failures)
	assert.True(t, byName["echoes raw text"].Passed, "%v", byName["echoes raw text"].Failures)
	assert.Equal(t, []string{"status: expected 200, got 404"}, byName["wrong status"].Failures)

	slow := byName["case 4"]
	assert.False(t, slow.Passed)
	assert.Equal(t, []string{string(apperr.UpstreamTimeout)}, slow.Failures)
	assert.Nil(t, slow.Response)
}

func TestRunSuite_Invalid(t *testing.T) {
	r := New(proxy.New(time.Second, 1024), 0)
	target := proxy.Target{Host: "127.0.0.1", Port: 1}

	_, err := r.RunSuite(context.Background(), target, "x", &Suite{})
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))

	_, err = r.RunSuite(context.Background(), target, "x", &Suite{Cases: []Case{{Request: Request{Method: "CONNECT"}}}})
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))

	_, err = ParseSuite([]byte("{"), "application/json")
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
}

func TestMatchJSON(t *testing.T) {
	actual := map[string]any{"a": float64(1), "b": map[string]any{"c": "d", "e": []any{float64(1)}}}

	assert.True(t, matchJSON(normalize(map[string]any{"a": 1}), actual))
	assert.True(t, matchJSON(normalize(map[string]any{"b": map[string]any{"c": "d"}}), actual))
	assert.True(t, matchJSON(normalize(map[string]any{"b": map[string]any{"e": []int{1}}}), actual))
	assert.False(t, matchJSON(normalize(map[string]any{"a": 2}), actual))
	assert.False(t, matchJSON(normalize(map[string]any{"z": nil}), actual))
	assert.False(t, matchJSON(normalize([]any{1}), actual))
}
