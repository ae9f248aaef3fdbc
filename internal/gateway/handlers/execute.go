package handlers

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/gateway/proxy"
	"github.com/mrmushfiq/apiengine/internal/identity"
	"github.com/mrmushfiq/apiengine/internal/quota"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// Resolver finds the definition behind a public path.
type Resolver interface {
	Resolve(ctx context.Context, path string) (*models.Definition, error)
}

// Limiter is the quota ledger as seen by the gateway.
type Limiter interface {
	CheckAndRecord(ctx context.Context, scope, dimension string, c quota.Ceilings) (*quota.Decision, error)
}

// UsageRecorder accepts one record per gateway transaction.
type UsageRecorder interface {
	Record(rec *models.UsageRecord)
}

// ExecuteHandler is the public gateway: resolve, authenticate, meter,
// forward, record.
type ExecuteHandler struct {
	resolver     Resolver
	limiter      Limiter
	forwarder    *proxy.Forwarder
	recorder     UsageRecorder
	verifier     TokenVerifier
	instanceHost string
	trustProxy   bool
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
	now          func() time.Time
}

// ExecuteOptions configures an ExecuteHandler.
type ExecuteOptions struct {
	InstanceHost string
	TrustProxy   bool
}

func NewExecuteHandler(resolver Resolver, limiter Limiter, forwarder *proxy.Forwarder, recorder UsageRecorder,
	verifier TokenVerifier, opts ExecuteOptions, m *metrics.Metrics, log logrus.FieldLogger) *ExecuteHandler {
	return &ExecuteHandler{
		resolver:     resolver,
		limiter:      limiter,
		forwarder:    forwarder,
		recorder:     recorder,
		verifier:     verifier,
		instanceHost: opts.InstanceHost,
		trustProxy:   opts.TrustProxy,
		metrics:      m,
		log:          log.WithField("component", "gateway"),
		now:          time.Now,
	}
}

// HandleExecute handles METHOD /execute/{path} and /execute/{path}/*.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx := r.Context()
	path := chi.URLParam(r, "path")
	ip := clientIP(r, h.trustProxy)

	d, err := h.resolver.Resolve(ctx, path)
	if err != nil {
		// Nothing to attribute a usage record to.
		h.metrics.GatewayRequestsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		h.log.WithError(err).WithFields(logrus.Fields{"path": path, "caller": "ip:" + ip}).Info("unresolved gateway request")
		writeError(w, h.log, err)
		return
	}

	rec := &models.UsageRecord{
		DefinitionID: d.ID,
		Caller:       "ip:" + ip,
		Method:       r.Method,
		Path:         r.URL.Path,
		UserAgent:    r.UserAgent(),
	}
	defer func() {
		rec.LatencyMs = h.now().Sub(start).Milliseconds()
		h.recorder.Record(rec)
	}()

	h.setCORSHeaders(w, r, d)

	resp, err := h.execute(w, r, d, ip, rec)
	if err != nil {
		rec.StatusCode = writeError(w, h.log, err)
		rec.ErrorKind = string(apperr.KindOf(err))
		h.metrics.GatewayRequestsTotal.WithLabelValues(rec.ErrorKind).Inc()
		return
	}

	for _, name := range gatewayHeaders {
		resp.Header.Del(name)
	}
	resp.CopyTo(w)
	rec.StatusCode = resp.StatusCode
	h.metrics.GatewayRequestsTotal.WithLabelValues("ok").Inc()
}

// execute runs the pipeline after resolution. It updates rec.Caller as
// soon as the caller is known.
func (h *ExecuteHandler) execute(w http.ResponseWriter, r *http.Request, d *models.Definition, ip string, rec *models.UsageRecord) (*proxy.Response, error) {
	ctx := r.Context()
	log := h.log.WithFields(logrus.Fields{"api_id": d.ID, "caller": rec.Caller})

	if d.Status != models.StatusDeployed || d.Binding == nil || d.Binding.Port == 0 {
		return nil, apperr.New(apperr.Unavailable, "api is not deployed")
	}

	if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(d.Quota.AllowedOrigins, origin) {
		log.WithField("origin", origin).Info("origin not allowed")
		return nil, apperr.New(apperr.Unauthorized, "origin not allowed")
	}

	caller, err := h.authenticate(r, d, ip, log)
	if err != nil {
		return nil, err
	}
	rec.Caller = caller
	log = log.WithField("caller", caller)

	body, err := h.forwarder.ReadBody(r)
	if err != nil {
		return nil, err
	}

	decision, err := h.limiter.CheckAndRecord(ctx, d.ID, caller, quota.Ceilings{
		Hour:  d.Quota.PerHour,
		Day:   d.Quota.PerDay,
		Month: d.Quota.PerMonth,
	})
	if err != nil {
		log.WithError(err).Error("quota ledger unavailable, rejecting request")
		return nil, apperr.Wrap(apperr.Unavailable, err, "rate limiter unavailable")
	}
	h.setRateLimitHeaders(w, decision)
	if !decision.Allowed {
		h.metrics.QuotaDecisionsTotal.WithLabelValues("gateway", "rejected").Inc()
		log.WithFields(logrus.Fields{"window": decision.Window, "used": decision.Used, "limit": decision.Limit}).Info("quota exceeded")
		return nil, decision.Err()
	}
	h.metrics.QuotaDecisionsTotal.WithLabelValues("gateway", "allowed").Inc()

	upstreamPath := "/" + d.Path
	if suffix := strings.Trim(chi.URLParam(r, "*"), "/"); suffix != "" {
		upstreamPath += "/" + suffix
	}

	resp, err := h.forwarder.Forward(ctx, proxy.Target{Host: h.instanceHost, Port: d.Binding.Port}, &proxy.Request{
		Method:   r.Method,
		Path:     upstreamPath,
		Query:    r.URL.Query(),
		Header:   r.Header.Clone(),
		Body:     body,
		ClientIP: ip,
		Host:     r.Host,
		Proto:    requestProto(r, h.trustProxy),
	})
	if err != nil {
		log.WithError(err).WithField("kind", apperr.KindOf(err)).Warn("upstream call failed")
		return nil, err
	}
	h.metrics.UpstreamDuration.WithLabelValues(r.Method).Observe(resp.Latency.Seconds())
	return resp, nil
}

// authenticate returns the quota dimension of the caller. Missing and
// wrong secrets produce the same response; only the log tells them apart.
func (h *ExecuteHandler) authenticate(r *http.Request, d *models.Definition, ip string, log logrus.FieldLogger) (string, error) {
	if d.IsPrivate() {
		secret, source := extractSecret(r)
		if secret == "" {
			log.WithField("reason", "missing_secret").Info("gateway authentication failed")
			return "", apperr.New(apperr.Unauthenticated, "invalid or missing api key")
		}
		if d.Secret == nil || subtle.ConstantTimeCompare([]byte(secret), []byte(*d.Secret)) != 1 {
			log.WithFields(logrus.Fields{"reason": "secret_mismatch", "source": source}).Info("gateway authentication failed")
			return "", apperr.New(apperr.Unauthenticated, "invalid or missing api key")
		}
		return "key:" + fingerprint(secret), nil
	}

	if d.Quota.RequiresAuth {
		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			log.WithField("reason", "missing_token").Info("gateway authentication failed")
			return "", apperr.New(apperr.Unauthenticated, "authentication required")
		}
		principal, err := h.verifier.Verify(token)
		if err != nil {
			log.WithError(err).WithField("reason", "invalid_token").Info("gateway authentication failed")
			return "", apperr.New(apperr.Unauthenticated, "authentication required")
		}
		return "user:" + principal, nil
	}

	return "ip:" + ip, nil
}

// extractSecret reads the caller's secret from, in order, the X-API-Key
// header, a bearer Authorization header and the api_key query parameter.
func extractSecret(r *http.Request) (secret, source string) {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, "header"
	}
	if v, ok := identity.BearerToken(r.Header.Get("Authorization")); ok {
		return v, "bearer"
	}
	if v := strings.TrimSpace(r.URL.Query().Get(proxy.SecretQueryParam)); v != "" {
		return v, "query"
	}
	return "", ""
}

// fingerprint identifies a secret in counters and logs without exposing it.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

func (h *ExecuteHandler) setRateLimitHeaders(w http.ResponseWriter, d *quota.Decision) {
	header := w.Header()
	if d.Limit <= 0 {
		header.Set("X-Rate-Limit-Remaining", "unlimited")
		return
	}
	header.Set("X-Rate-Limit-Limit", strconv.FormatInt(d.Limit, 10))
	header.Set("X-Rate-Limit-Remaining", strconv.FormatInt(d.Remaining, 10))
	header.Set("X-Rate-Limit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		header.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(h.now(), d.ResetAt), 10))
	}
}

// gatewayHeaders are set by the gateway and dropped from instance responses.
var gatewayHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Allow-Credentials",
	"Access-Control-Max-Age",
	"X-Rate-Limit-Limit",
	"X-Rate-Limit-Remaining",
	"X-Rate-Limit-Reset",
	"Retry-After",
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
			return true
		}
	}
	return false
}

// setCORSHeaders answers for the definition's allowed origins. The
// gateway owns these headers; the instance's own are dropped.
func (h *ExecuteHandler) setCORSHeaders(w http.ResponseWriter, r *http.Request, d *models.Definition) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(d.Quota.AllowedOrigins, origin) {
		return
	}
	header := w.Header()
	header.Add("Vary", "Origin")
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Expose-Headers", "X-Rate-Limit-Limit, X-Rate-Limit-Remaining, X-Rate-Limit-Reset, Retry-After")
}

// HandlePreflight answers CORS preflight requests for a public path.
func (h *ExecuteHandler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	d, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "path"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(d.Quota.AllowedOrigins, origin) {
		writeError(w, h.log, apperr.New(apperr.Unauthorized, "origin not allowed"))
		return
	}

	h.setCORSHeaders(w, r, d)
	header := w.Header()
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
	header.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}
