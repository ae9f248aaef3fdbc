package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/codegen"
	"github.com/mrmushfiq/apiengine/internal/gateway/proxy"
	"github.com/mrmushfiq/apiengine/internal/gateway/testrun"
	"github.com/mrmushfiq/apiengine/internal/registry"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// Registry is the lifecycle service behind the management API.
type Registry interface {
	Create(ctx context.Context, ownerID string, req registry.CreateRequest) (*models.Definition, error)
	Get(ctx context.Context, ownerID, id string) (*models.Definition, error)
	List(ctx context.Context, ownerID string) ([]*models.Definition, error)
	Update(ctx context.Context, ownerID, id string, patch models.DefinitionPatch) (*models.Definition, error)
	Delete(ctx context.Context, ownerID, id string) error
	Deploy(ctx context.Context, ownerID, id string) (*models.Definition, error)
	Teardown(ctx context.Context, ownerID, id string) (*models.Definition, error)
	Instance(ctx context.Context, ownerID, id string) (*models.Instance, error)
}

// UsageLister reads back recent usage records.
type UsageLister interface {
	ListUsage(ctx context.Context, definitionID string, limit int) ([]*models.UsageRecord, error)
}

// CodeGenerator produces endpoint source from a prompt.
type CodeGenerator interface {
	Generate(ctx context.Context, principal string, req codegen.Request) (*codegen.Result, error)
}

// ManagementHandler serves the owner-scoped /api surface.
type ManagementHandler struct {
	registry     Registry
	usage        UsageLister
	runner       *testrun.Runner
	codegen      CodeGenerator
	instanceHost string
	trustProxy   bool
	log          logrus.FieldLogger
}

// ManagementOptions configures a ManagementHandler.
type ManagementOptions struct {
	InstanceHost string
	TrustProxy   bool
}

// NewManagementHandler wires the management API. gen may be nil when no
// codegen provider is configured.
func NewManagementHandler(reg Registry, usage UsageLister, runner *testrun.Runner, gen CodeGenerator,
	opts ManagementOptions, log logrus.FieldLogger) *ManagementHandler {
	return &ManagementHandler{
		registry:     reg,
		usage:        usage,
		runner:       runner,
		codegen:      gen,
		instanceHost: opts.InstanceHost,
		trustProxy:   opts.TrustProxy,
		log:          log.WithField("component", "management"),
	}
}

// Routes mounts the handlers on r.
func (h *ManagementHandler) Routes(r chi.Router) {
	r.Post("/generate-code", h.HandleGenerateCode)

	r.Route("/apis", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Patch("/", h.HandleUpdate)
			r.Put("/", h.HandleUpdate)
			r.Delete("/", h.HandleDelete)
			r.Post("/deploy", h.HandleDeploy)
			r.Post("/teardown", h.HandleTeardown)
			r.Get("/instance", h.HandleInstance)
			r.Get("/usage", h.HandleUsage)
			r.Get("/playground", h.HandlePlayground)
			r.Post("/test", h.HandleTest)
			r.Post("/tests", h.HandleTestSuite)
		})
	})
}

// definitionView is a definition as its owner sees it, secret included.
type definitionView struct {
	*models.Definition
	APIKey string `json:"api_key,omitempty"`
}

func viewOf(d *models.Definition) definitionView {
	v := definitionView{Definition: d}
	if d.Secret != nil {
		v.APIKey = *d.Secret
	}
	return v
}

func (h *ManagementHandler) principal(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// HandleCreate handles POST /api/apis
func (h *ManagementHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	d, err := h.registry.Create(r.Context(), h.principal(r), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(d))
}

// HandleList handles GET /api/apis
func (h *ManagementHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.registry.List(r.Context(), h.principal(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	views := make([]definitionView, 0, len(defs))
	for _, d := range defs {
		views = append(views, viewOf(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": views})
}

// HandleGet handles GET /api/apis/{id}
func (h *ManagementHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Get(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// HandleUpdate handles PATCH and PUT /api/apis/{id}
func (h *ManagementHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch models.DefinitionPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, h.log, err)
		return
	}

	d, err := h.registry.Update(r.Context(), h.principal(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// HandleDelete handles DELETE /api/apis/{id}
func (h *ManagementHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), h.principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeploy handles POST /api/apis/{id}/deploy
func (h *ManagementHandler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Deploy(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// HandleTeardown handles POST /api/apis/{id}/teardown
func (h *ManagementHandler) HandleTeardown(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Teardown(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// HandleInstance handles GET /api/apis/{id}/instance
func (h *ManagementHandler) HandleInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.registry.Instance(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// HandleUsage handles GET /api/apis/{id}/usage
func (h *ManagementHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Get(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, h.log, apperr.New(apperr.Invalid, "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	records, err := h.usage.ListUsage(r.Context(), d.ID, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// liveTarget returns the definition and its instance address, or
// Unavailable when it is not deployed.
func (h *ManagementHandler) liveTarget(r *http.Request) (*models.Definition, proxy.Target, error) {
	d, err := h.registry.Get(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		return nil, proxy.Target{}, err
	}
	if d.Status != models.StatusDeployed || d.Binding == nil || d.Binding.Port == 0 {
		return nil, proxy.Target{}, apperr.New(apperr.Unavailable, "api is not deployed")
	}
	return d, proxy.Target{Host: h.instanceHost, Port: d.Binding.Port}, nil
}

// HandleTest handles POST /api/apis/{id}/test
func (h *ManagementHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	var req testrun.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	d, target, err := h.liveTarget(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	res, err := h.runner.RunOne(r.Context(), target, d.Path, req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleTestSuite handles POST /api/apis/{id}/tests with a JSON or YAML suite.
func (h *ManagementHandler) HandleTestSuite(w http.ResponseWriter, r *http.Request) {
	data, err := readAll(r, 1<<20)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	suite, err := testrun.ParseSuite(data, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	d, target, err := h.liveTarget(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	summary, err := h.runner.RunSuite(r.Context(), target, d.Path, suite)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandlePlayground handles GET /api/apis/{id}/playground
func (h *ManagementHandler) HandlePlayground(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Get(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	publicURL := requestProto(r, h.trustProxy) + "://" + r.Host + "/execute/" + d.Path
	writeJSON(w, http.StatusOK, playgroundFor(d, publicURL))
}

// HandleGenerateCode handles POST /api/generate-code
func (h *ManagementHandler) HandleGenerateCode(w http.ResponseWriter, r *http.Request) {
	if h.codegen == nil {
		writeError(w, h.log, apperr.New(apperr.Unavailable, "code generation is not configured"))
		return
	}

	var req codegen.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	res, err := h.codegen.Generate(r.Context(), h.principal(r), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type playground struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Path       string             `json:"path"`
	PublicURL  string             `json:"public_url"`
	Methods    []string           `json:"methods"`
	Status     models.Status      `json:"status"`
	Auth       *playgroundAuth    `json:"auth,omitempty"`
	Parameters []models.Parameter `json:"parameters"`
	Example    testrun.Request    `json:"example_request"`
}

type playgroundAuth struct {
	Header     string `json:"header"`
	QueryParam string `json:"query_param"`
	Bearer     bool   `json:"bearer"`
}

// playgroundFor describes how to call d, with an example request built
// from its declared parameters.
func playgroundFor(d *models.Definition, publicURL string) playground {
	pg := playground{
		ID:         d.ID,
		Name:       d.Name,
		Path:       d.Path,
		PublicURL:  publicURL,
		Methods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		Status:     d.Status,
		Parameters: d.Parameters,
	}
	if pg.Parameters == nil {
		pg.Parameters = []models.Parameter{}
	}
	if d.IsPrivate() {
		pg.Auth = &playgroundAuth{Header: "X-API-Key", QueryParam: proxy.SecretQueryParam, Bearer: true}
	} else if d.Quota.RequiresAuth {
		pg.Auth = &playgroundAuth{Bearer: true}
	}

	body := map[string]any{}
	for _, p := range d.Parameters {
		body[p.Name] = exampleValue(p.Type)
	}
	pg.Example = testrun.Request{Method: http.MethodPost, Headers: map[string]string{"Content-Type": "application/json"}, Body: body}
	if len(body) == 0 {
		pg.Example = testrun.Request{Method: http.MethodGet}
	}
	return pg
}

func exampleValue(typ string) any {
	switch strings.ToLower(typ) {
	case "int", "integer":
		return 1
	case "number", "float":
		return 1.5
	case "bool", "boolean":
		return true
	case "array", "list":
		return []any{}
	case "object", "dict":
		return map[string]any{}
	default:
		return "example"
	}
}
