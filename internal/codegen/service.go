package codegen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/builder"
	"github.com/mrmushfiq/apiengine/internal/quota"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
)

// QuotaScope is the ledger scope that daily generation counts live under.
const QuotaScope = "codegen"

const maxPromptLength = 4000

// Request asks for the source of one endpoint.
type Request struct {
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
	Path     string `json:"path"`
	Model    string `json:"model,omitempty"`
}

// Result is generated source ready for the Builder.
type Result struct {
	Code     string `json:"code"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Cached   bool   `json:"cached"`
}

// Completer is satisfied by *Manager.
type Completer interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, string, bool, error)
}

// Limiter is satisfied by *quota.Ledger.
type Limiter interface {
	CheckAndRecord(ctx context.Context, scope, dimension string, c quota.Ceilings) (*quota.Decision, error)
}

// Options tune a Service.
type Options struct {
	DefaultModel string
	DailyLimit   int64
}

// Service generates endpoint code under a per-principal daily quota.
type Service struct {
	completer Completer
	cache     *Cache
	limiter   Limiter
	opts      Options
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
}

// NewService wires a Service. cache may be nil to disable caching.
func NewService(completer Completer, cache *Cache, limiter Limiter, opts Options, m *metrics.Metrics, log logrus.FieldLogger) *Service {
	if opts.DefaultModel == "" {
		opts.DefaultModel = "gpt-4o-mini"
	}
	return &Service{
		completer: completer,
		cache:     cache,
		limiter:   limiter,
		opts:      opts,
		metrics:   m,
		log:       log.WithField("component", "codegen"),
	}
}

// Generate returns code for req on behalf of principal. Cache hits do not
// count against the daily quota.
func (s *Service) Generate(ctx context.Context, principal string, req Request) (*Result, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Path = strings.Trim(strings.TrimSpace(req.Path), "/")
	if req.Prompt == "" {
		return nil, apperr.New(apperr.Invalid, "prompt is required")
	}
	if len(req.Prompt) > maxPromptLength {
		return nil, apperr.Newf(apperr.Invalid, "prompt must be at most %d characters", maxPromptLength)
	}
	if req.Path == "" {
		return nil, apperr.New(apperr.Invalid, "path is required")
	}
	lang, ok := builder.Lookup(req.Language)
	if !ok {
		return nil, apperr.Newf(apperr.UnsupportedLanguage, "unsupported language %q (supported: %s)",
			req.Language, strings.Join(builder.Languages(), ", "))
	}

	model := req.Model
	if model == "" {
		model = s.opts.DefaultModel
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, model, req)
		if err != nil {
			s.log.WithError(err).Warn("codegen cache read failed")
		}
		if cached != nil {
			s.metrics.CodegenCacheTotal.WithLabelValues("hit").Inc()
			cached.Cached = true
			return cached, nil
		}
		s.metrics.CodegenCacheTotal.WithLabelValues("miss").Inc()
	}

	decision, err := s.limiter.CheckAndRecord(ctx, QuotaScope, principal, quota.Ceilings{Day: s.opts.DailyLimit})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.metrics.CodegenRequestsTotal.WithLabelValues("none", "quota_exceeded").Inc()
		return nil, decision.Err()
	}

	temperature := float32(0.2)
	maxTokens := 2000
	resp, provider, failover, err := s.completer.ChatCompletion(ctx, ChatRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(lang, req.Path)},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		s.metrics.CodegenRequestsTotal.WithLabelValues(providerLabel(provider), "error").Inc()
		s.log.WithError(err).WithFields(logrus.Fields{"model": model, "principal": principal}).Error("code generation failed")
		return nil, apperr.Wrap(apperr.ProviderError, err, "code generation failed")
	}

	code := StripFences(resp.Content)
	if code == "" {
		s.metrics.CodegenRequestsTotal.WithLabelValues(provider, "empty").Inc()
		return nil, apperr.New(apperr.ProviderError, "provider returned no code")
	}
	s.metrics.CodegenRequestsTotal.WithLabelValues(provider, "ok").Inc()
	s.log.WithFields(logrus.Fields{
		"provider":          provider,
		"model":             resp.Model,
		"failover":          failover,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"latency_ms":        resp.LatencyMs,
	}).Info("code generated")

	res := &Result{Code: code, Provider: provider, Model: resp.Model}
	if res.Model == "" {
		res.Model = model
	}
	if s.cache != nil {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.cache.Set(cacheCtx, model, req, res); err != nil {
			s.log.WithError(err).Warn("codegen cache write failed")
		}
	}
	return res, nil
}

func providerLabel(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

func systemPrompt(lang *builder.Language, path string) string {
	return fmt.Sprintf(`You are an expert API developer. Write %s code for one HTTP endpoint using %s.

Rules:
- An application object named "app" already exists; register routes on it and do not create or start a server.
- Serve the endpoint at /%s and accept GET, POST, PUT and DELETE where it makes sense.
- Validate input and return JSON responses with appropriate status codes.
- Read any data store connection string from the %s environment variable.

Return only the code, no explanations or markdown formatting.`, lang.Tag, lang.Framework, path, builder.DataStoreEnv)
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
