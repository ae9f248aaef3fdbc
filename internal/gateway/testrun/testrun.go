// Package testrun sends ad-hoc requests and named test suites straight to
// a deployed instance, bypassing authentication and quota.
package testrun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/apiengine/internal/gateway/proxy"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

const (
	maxCases           = 100
	defaultConcurrency = 4
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// Request is one test request. Body is sent verbatim when it is a string
// and JSON-encoded otherwise.
type Request struct {
	Method      string            `json:"method" yaml:"method"`
	Path        string            `json:"path" yaml:"path"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	QueryParams map[string]string `json:"query_params" yaml:"query_params"`
	Body        any               `json:"body" yaml:"body"`
}

// Result is what the instance answered.
type Result struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	JSON       any               `json:"json,omitempty"`
	LatencyMs  int64             `json:"latency_ms"`
}

// Expectation describes a passing response. Zero fields are not checked.
// JSON is matched as a subset of the response document.
type Expectation struct {
	Status       int               `json:"status" yaml:"status"`
	BodyContains string            `json:"body_contains" yaml:"body_contains"`
	JSON         any               `json:"json" yaml:"json"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
}

// Case is a named request with its expectation.
type Case struct {
	Name    string      `json:"name" yaml:"name"`
	Request Request     `json:"request" yaml:"request"`
	Expect  Expectation `json:"expect" yaml:"expect"`
}

// Suite is a list of cases.
type Suite struct {
	Cases []Case `json:"cases" yaml:"cases"`
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
	Error    string   `json:"error,omitempty"`
	Response *Result  `json:"response,omitempty"`
}

// Summary aggregates a suite run.
type Summary struct {
	Total   int          `json:"total"`
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Results []CaseResult `json:"results"`
}

// ParseSuite decodes a suite document. YAML is used when contentType
// mentions yaml, JSON otherwise.
func ParseSuite(data []byte, contentType string) (*Suite, error) {
	var s Suite
	if strings.Contains(strings.ToLower(contentType), "yaml") {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, apperr.Wrap(apperr.Invalid, err, "invalid yaml test suite")
		}
	} else if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperr.Wrap(apperr.Invalid, err, "invalid json test suite")
	}
	return &s, nil
}

// Runner executes test requests through the gateway's forwarder.
type Runner struct {
	forwarder   *proxy.Forwarder
	concurrency int
}

func New(forwarder *proxy.Forwarder, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Runner{forwarder: forwarder, concurrency: concurrency}
}

// RunOne sends req to the instance under basePath.
func (r *Runner) RunOne(ctx context.Context, target proxy.Target, basePath string, req Request) (*Result, error) {
	preq, err := toProxyRequest(basePath, req)
	if err != nil {
		return nil, err
	}

	resp, err := r.forwarder.Forward(ctx, target, preq)
	if err != nil {
		return nil, err
	}

	res := &Result{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(resp.Body),
		LatencyMs:  resp.Latency.Milliseconds(),
	}
	for k := range resp.Header {
		res.Headers[k] = resp.Header.Get(k)
	}
	if strings.Contains(resp.ContentType(), "json") {
		var doc any
		if json.Unmarshal(resp.Body, &doc) == nil {
			res.JSON = doc
		}
	}
	return res, nil
}

// RunSuite runs every case, a bounded number at a time. A case whose
// request fails is reported as failed; only invalid suites are errors.
func (r *Runner) RunSuite(ctx context.Context, target proxy.Target, basePath string, suite *Suite) (*Summary, error) {
	if len(suite.Cases) == 0 {
		return nil, apperr.New(apperr.Invalid, "test suite has no cases")
	}
	if len(suite.Cases) > maxCases {
		return nil, apperr.Newf(apperr.Invalid, "test suite has more than %d cases", maxCases)
	}
	for i := range suite.Cases {
		if suite.Cases[i].Name == "" {
			suite.Cases[i].Name = fmt.Sprintf("case %d", i+1)
		}
		if _, err := toProxyRequest(basePath, suite.Cases[i].Request); err != nil {
			return nil, apperr.Newf(apperr.Invalid, "%s: %s", suite.Cases[i].Name, apperr.MessageOf(err))
		}
	}

	results := make([]CaseResult, len(suite.Cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range suite.Cases {
		g.Go(func() error {
			results[i] = r.runCase(gctx, target, basePath, c)
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{Total: len(results), Results: results}
	for _, res := range results {
		if res.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (r *Runner) runCase(ctx context.Context, target proxy.Target, basePath string, c Case) CaseResult {
	out := CaseResult{Name: c.Name}
	res, err := r.RunOne(ctx, target, basePath, c.Request)
	if err != nil {
		out.Error = apperr.MessageOf(err)
		out.Failures = []string{string(apperr.KindOf(err))}
		return out
	}
	out.Response = res
	out.Failures = check(c.Expect, res)
	out.Passed = len(out.Failures) == 0
	return out
}

func check(exp Expectation, res *Result) []string {
	var failures []string
	if exp.Status != 0 && exp.Status != res.StatusCode {
		failures = append(failures, fmt.Sprintf("status: expected %d, got %d", exp.Status, res.StatusCode))
	}
	if exp.BodyContains != "" && !strings.Contains(res.Body, exp.BodyContains) {
		failures = append(failures, fmt.Sprintf("body does not contain %q", exp.BodyContains))
	}

	names := make([]string, 0, len(exp.Headers))
	for k := range exp.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		got := res.Headers[http.CanonicalHeaderKey(k)]
		if !strings.Contains(got, exp.Headers[k]) {
			failures = append(failures, fmt.Sprintf("header %s: expected %q, got %q", k, exp.Headers[k], got))
		}
	}

	if exp.JSON != nil {
		if res.JSON == nil {
			failures = append(failures, "json: response is not a json document")
		} else if !matchJSON(normalize(exp.JSON), res.JSON) {
			failures = append(failures, "json: response does not match expected document")
		}
	}
	return failures
}

// matchJSON reports whether actual contains expected: objects match by
// subset of keys, everything else by equality.
func matchJSON(expected, actual any) bool {
	em, ok := expected.(map[string]any)
	if !ok {
		return reflect.DeepEqual(expected, actual)
	}
	am, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, ev := range em {
		av, ok := am[k]
		if !ok || !matchJSON(ev, av) {
			return false
		}
	}
	return true
}

// normalize gives YAML- or JSON-decoded values the shape encoding/json
// produces (float64 numbers, map[string]any objects).
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func toProxyRequest(basePath string, req Request) (*proxy.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, apperr.Newf(apperr.Invalid, "unsupported method %q", req.Method)
	}

	path := "/" + strings.Trim(basePath, "/")
	if suffix := strings.Trim(req.Path, "/"); suffix != "" {
		path += "/" + suffix
	}

	header := http.Header{}
	for k, v := range req.Headers {
		header.Set(k, v)
	}
	query := url.Values{}
	for k, v := range req.QueryParams {
		query.Set(k, v)
	}

	var body []byte
	switch b := req.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		data, err := json.Marshal(normalize(b))
		if err != nil {
			return nil, apperr.Wrap(apperr.Invalid, err, "request body is not encodable as json")
		}
		body = data
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	return &proxy.Request{
		Method: method,
		Path:   path,
		Query:  query,
		Header: header,
		Body:   body,
		Proto:  "http",
	}, nil
}
