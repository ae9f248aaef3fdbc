// Package registry owns the lifecycle of API definitions: creation,
// partial updates, staged deployment onto an instance, teardown and
// deletion. It is also the gateway's read path for resolving public paths.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/apiengine/internal/builder"
	"github.com/mrmushfiq/apiengine/internal/provisioner"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// Catalog is the durable store of definitions and bindings.
type Catalog interface {
	CreateDefinition(ctx context.Context, d *models.Definition) error
	GetDefinition(ctx context.Context, id string) (*models.Definition, error)
	GetDefinitionByPath(ctx context.Context, path string) (*models.Definition, error)
	ListDefinitions(ctx context.Context, ownerID string) ([]*models.Definition, error)
	UpdateDefinition(ctx context.Context, d *models.Definition) error
	DeleteDefinition(ctx context.Context, id string) error

	CreateBinding(ctx context.Context, b *models.Binding) error
	FailBinding(ctx context.Context, id, reason string) error
	CommitBinding(ctx context.Context, b *models.Binding) (*models.Binding, error)
	ReleaseBinding(ctx context.Context, definitionID string, state models.BindingState, reason string) (*models.Binding, error)
}

// Builder packages source code.
type Builder interface {
	Validate(language string) error
	Build(req builder.Request) (*builder.Bundle, error)
}

// Provisioner runs bundles.
type Provisioner interface {
	Deploy(ctx context.Context, bundle *builder.Bundle, spec provisioner.DeploySpec) (*models.Instance, error)
	Teardown(ctx context.Context, instanceID string) error
	Inspect(ctx context.Context, instanceID string) (*models.Instance, error)
}

// QuotaResetter drops the quota counters of a scope.
type QuotaResetter interface {
	Reset(ctx context.Context, scope string) error
}

// Options configures the registry.
type Options struct {
	DefaultQuota     models.QuotaPolicy
	ResolveCacheSize int
	ResolveCacheTTL  time.Duration
}

// Service is the API registry.
type Service struct {
	catalog Catalog
	builder Builder
	prov    Provisioner
	quota   QuotaResetter
	opts    Options
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	resolved *expirable.LRU[string, *models.Definition]
	flights  singleflight.Group

	// cacheMu orders resolve-cache fills against invalidations; gen counts
	// invalidations.
	cacheMu sync.Mutex
	gen     uint64
}

// New creates the registry service.
func New(catalog Catalog, b Builder, prov Provisioner, quota QuotaResetter, opts Options, m *metrics.Metrics, log logrus.FieldLogger) *Service {
	if opts.ResolveCacheSize <= 0 {
		opts.ResolveCacheSize = 1024
	}
	if opts.ResolveCacheTTL <= 0 {
		opts.ResolveCacheTTL = 5 * time.Second
	}
	return &Service{
		catalog:  catalog,
		builder:  b,
		prov:     prov,
		quota:    quota,
		opts:     opts,
		metrics:  m,
		log:      log.WithField("component", "registry"),
		resolved: expirable.NewLRU[string, *models.Definition](opts.ResolveCacheSize, nil, opts.ResolveCacheTTL),
	}
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Path        string                `json:"path"`
	Code        string                `json:"code"`
	Language    string                `json:"language"`
	Visibility  models.Visibility     `json:"visibility"`
	Secret      *string               `json:"api_key"`
	Quota       *models.QuotaPolicy   `json:"quota"`
	Pricing     *models.PricingPolicy `json:"pricing"`
	DataStore   *models.DataStore     `json:"data_store"`
	Parameters  []models.Parameter    `json:"parameters"`
}

// Create registers a new definition in the draft state. Private
// definitions get a generated secret unless one is supplied.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*models.Definition, error) {
	path, err := NormalizePath(req.Path)
	if err != nil {
		return nil, err
	}

	d := &models.Definition{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Path:        path,
		Code:        req.Code,
		Language:    req.Language,
		Visibility:  req.Visibility,
		Quota:       s.opts.DefaultQuota,
		Pricing:     models.PricingPolicy{Model: models.PricingFree},
		DataStore:   req.DataStore,
		Parameters:  req.Parameters,
		Status:      models.StatusDraft,
	}
	if d.Visibility == "" {
		d.Visibility = models.VisibilityPublic
	}
	if req.Quota != nil {
		d.Quota = *req.Quota
	}
	if req.Pricing != nil {
		d.Pricing = *req.Pricing
	}
	if d.Parameters == nil {
		d.Parameters = []models.Parameter{}
	}

	if err := s.applySecret(d, req.Secret); err != nil {
		return nil, err
	}
	if err := s.validate(d); err != nil {
		return nil, err
	}

	if err := s.catalog.CreateDefinition(ctx, d); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"api_id": d.ID, "path": d.Path, "owner": ownerID}).Info("api created")
	return d, nil
}

// Get loads a definition owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*models.Definition, error) {
	d, err := s.catalog.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, apperr.New(apperr.Unauthorized, "api belongs to another user")
	}
	return d, nil
}

// List returns the owner's definitions.
func (s *Service) List(ctx context.Context, ownerID string) ([]*models.Definition, error) {
	return s.catalog.ListDefinitions(ctx, ownerID)
}

// Update merges patch into the definition. Absent fields are untouched.
func (s *Service) Update(ctx context.Context, ownerID, id string, patch models.DefinitionPatch) (*models.Definition, error) {
	d, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		d.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		d.Description = *patch.Description
	}
	if patch.Code != nil {
		d.Code = *patch.Code
	}
	if patch.Language != nil {
		d.Language = *patch.Language
	}
	if patch.Quota != nil {
		d.Quota = *patch.Quota
	}
	if patch.Pricing != nil {
		d.Pricing = *patch.Pricing
	}
	if patch.DataStore != nil {
		if patch.DataStore.Kind == "" {
			d.DataStore = nil
		} else {
			ds := *patch.DataStore
			d.DataStore = &ds
		}
	}
	if patch.Parameters != nil {
		d.Parameters = *patch.Parameters
		if d.Parameters == nil {
			d.Parameters = []models.Parameter{}
		}
	}

	if patch.Visibility != nil {
		d.Visibility = *patch.Visibility
	}
	if err := s.applySecret(d, patch.Secret); err != nil {
		return nil, err
	}
	if err := s.validate(d); err != nil {
		return nil, err
	}

	if err := s.catalog.UpdateDefinition(ctx, d); err != nil {
		return nil, err
	}
	s.invalidate(d.Path)

	s.log.WithField("api_id", d.ID).Info("api updated")
	return d, nil
}

// Delete tears down any live instance, then removes the definition with
// its parameters, bindings, usage records and quota counters. A failed
// teardown is logged and does not stop the deletion.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	d, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	log := s.log.WithField("api_id", d.ID)

	if d.Binding != nil && d.Binding.InstanceID != "" {
		if err := s.prov.Teardown(ctx, d.Binding.InstanceID); err != nil {
			log.WithError(err).WithField("instance_id", d.Binding.InstanceID).Error("teardown during delete failed")
			s.metrics.TeardownsTotal.WithLabelValues("error").Inc()
		} else {
			s.metrics.TeardownsTotal.WithLabelValues("ok").Inc()
		}
	}

	if err := s.catalog.DeleteDefinition(ctx, d.ID); err != nil {
		return err
	}
	s.invalidate(d.Path)

	if err := s.quota.Reset(ctx, d.ID); err != nil {
		log.WithError(err).Warn("failed to reset quota counters")
	}

	log.Info("api deleted")
	return nil
}

// Deploy builds and starts a fresh instance for the definition, then
// atomically binds it and releases the previous instance. Concurrent calls
// for one definition share a single deploy.
func (s *Service) Deploy(ctx context.Context, ownerID, id string) (*models.Definition, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}

	// The deploy outlives any single caller that joined it.
	deployCtx := context.WithoutCancel(ctx)
	v, err, _ := s.flights.Do("deploy:"+id, func() (interface{}, error) {
		return s.deploy(deployCtx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Definition), nil
}

func (s *Service) deploy(ctx context.Context, id string) (*models.Definition, error) {
	d, err := s.catalog.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"api_id": d.ID, "language": d.Language})
	start := time.Now()

	fail := func(err error) (*models.Definition, error) {
		s.metrics.DeploysTotal.WithLabelValues(d.Language, string(apperr.KindOf(err))).Inc()
		log.WithError(err).WithField("kind", apperr.KindOf(err)).Warn("deploy failed")
		return nil, err
	}

	bundle, err := s.builder.Build(builder.Request{
		Name:      d.Name,
		Language:  d.Language,
		Source:    d.Code,
		DataStore: d.DataStore,
	})
	if err != nil {
		return fail(err)
	}

	binding := &models.Binding{
		ID:           uuid.New().String(),
		DefinitionID: d.ID,
		State:        models.BindingProvisioning,
	}
	if err := s.catalog.CreateBinding(ctx, binding); err != nil {
		return fail(err)
	}
	log = log.WithField("binding_id", binding.ID)

	inst, err := s.prov.Deploy(ctx, bundle, provisioner.DeploySpec{DefinitionID: d.ID, BindingID: binding.ID})
	if err != nil {
		s.failBinding(ctx, binding.ID, err, log)
		return fail(err)
	}

	binding.InstanceID = inst.ID
	binding.Port = inst.Port
	binding.Image = inst.Image
	previous, err := s.catalog.CommitBinding(ctx, binding)
	if err != nil {
		if terr := s.prov.Teardown(ctx, inst.ID); terr != nil {
			log.WithError(terr).WithField("instance_id", inst.ID).Error("failed to tear down uncommitted instance")
		}
		s.failBinding(ctx, binding.ID, err, log)
		return fail(err)
	}
	s.invalidate(d.Path)

	if previous != nil && previous.InstanceID != "" && previous.InstanceID != inst.ID {
		if err := s.prov.Teardown(ctx, previous.InstanceID); err != nil {
			log.WithError(err).WithField("instance_id", previous.InstanceID).Error("failed to tear down previous instance")
			s.metrics.TeardownsTotal.WithLabelValues("error").Inc()
		} else {
			s.metrics.TeardownsTotal.WithLabelValues("ok").Inc()
		}
	}

	s.metrics.DeploysTotal.WithLabelValues(d.Language, "ok").Inc()
	s.metrics.DeployDuration.WithLabelValues(d.Language).Observe(time.Since(start).Seconds())
	log.WithFields(logrus.Fields{"instance_id": inst.ID, "port": inst.Port}).Info("api deployed")

	return s.catalog.GetDefinition(ctx, d.ID)
}

func (s *Service) failBinding(ctx context.Context, bindingID string, cause error, log logrus.FieldLogger) {
	if err := s.catalog.FailBinding(ctx, bindingID, apperr.MessageOf(cause)); err != nil {
		log.WithError(err).Error("failed to mark binding failed")
	}
}

// Teardown stops the live instance and moves the definition to stopped.
// A definition that is not deployed is returned unchanged.
func (s *Service) Teardown(ctx context.Context, ownerID, id string) (*models.Definition, error) {
	d, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.StatusDeployed || d.Binding == nil {
		return d, nil
	}

	released, err := s.catalog.ReleaseBinding(ctx, d.ID, models.BindingReleased, "teardown")
	if err != nil {
		return nil, err
	}
	s.invalidate(d.Path)

	if released != nil && released.InstanceID != "" {
		if err := s.prov.Teardown(ctx, released.InstanceID); err != nil {
			// The binding is released; the reconciler removes the container.
			s.log.WithError(err).WithFields(logrus.Fields{
				"api_id":      d.ID,
				"instance_id": released.InstanceID,
			}).Error("teardown failed")
			s.metrics.TeardownsTotal.WithLabelValues("error").Inc()
		} else {
			s.metrics.TeardownsTotal.WithLabelValues("ok").Inc()
		}
	}

	s.log.WithField("api_id", d.ID).Info("api stopped")
	return s.catalog.GetDefinition(ctx, d.ID)
}

// Resolve finds the definition behind a public path. Lookups are cached
// briefly; lifecycle changes made through this service evict the entry.
func (s *Service) Resolve(ctx context.Context, path string) (*models.Definition, error) {
	if d, ok := s.resolved.Get(path); ok {
		return d, nil
	}

	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()

	d, err := s.catalog.GetDefinitionByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	// A lifecycle change that landed during the read may have been missed by it.
	s.cacheMu.Lock()
	if s.gen == gen {
		s.resolved.Add(path, d)
	}
	s.cacheMu.Unlock()
	return d, nil
}

// invalidate evicts path and discards any fill that read the catalog
// before the change that triggered it.
func (s *Service) invalidate(path string) {
	s.cacheMu.Lock()
	s.gen++
	s.resolved.Remove(path)
	s.cacheMu.Unlock()
}

// Instance reports the live state of the definition's instance.
func (s *Service) Instance(ctx context.Context, ownerID, id string) (*models.Instance, error) {
	d, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if d.Binding == nil || d.Binding.InstanceID == "" {
		return nil, apperr.New(apperr.NotFound, "api is not deployed")
	}
	return s.prov.Inspect(ctx, d.Binding.InstanceID)
}

// MarkInstanceLost fails the definition's binding when its instance has
// disappeared. A binding that is no longer live is ignored.
func (s *Service) MarkInstanceLost(ctx context.Context, definitionID, bindingID, reason string) error {
	d, err := s.catalog.GetDefinition(ctx, definitionID)
	if err != nil {
		return err
	}
	if d.Binding == nil || d.Binding.ID != bindingID {
		return nil
	}

	if _, err := s.catalog.ReleaseBinding(ctx, definitionID, models.BindingFailed, reason); err != nil {
		return err
	}
	s.invalidate(d.Path)

	s.log.WithFields(logrus.Fields{"api_id": d.ID, "binding_id": bindingID, "reason": reason}).Warn("instance lost")
	return nil
}

func (s *Service) applySecret(d *models.Definition, supplied *string) error {
	switch d.Visibility {
	case models.VisibilityPublic:
		d.Secret = nil
	case models.VisibilityPrivate:
		if supplied != nil && *supplied != "" {
			if len(*supplied) < 16 {
				return apperr.New(apperr.Invalid, "api_key must be at least 16 characters")
			}
			secret := *supplied
			d.Secret = &secret
		}
		if d.Secret == nil {
			secret, err := GenerateSecret()
			if err != nil {
				return apperr.Wrap(apperr.Internal, err, "failed to generate api key")
			}
			d.Secret = &secret
		}
	default:
		return apperr.Newf(apperr.Invalid, "visibility must be %q or %q", models.VisibilityPublic, models.VisibilityPrivate)
	}
	return nil
}

func (s *Service) validate(d *models.Definition) error {
	if d.Name == "" {
		return apperr.New(apperr.Invalid, "name is required")
	}
	if strings.TrimSpace(d.Code) == "" {
		return apperr.New(apperr.Invalid, "code is required")
	}
	if err := s.builder.Validate(d.Language); err != nil {
		return err
	}

	switch d.Pricing.Model {
	case models.PricingFree:
		d.Pricing.UnitPrice = 0
	case models.PricingPAYG:
		if d.Pricing.UnitPrice <= 0 {
			return apperr.New(apperr.Invalid, "pay-per-request pricing needs a positive unit_price")
		}
	default:
		return apperr.Newf(apperr.Invalid, "unknown pricing model %q", d.Pricing.Model)
	}

	if d.DataStore != nil {
		switch d.DataStore.Kind {
		case "postgres", "redis":
		default:
			return apperr.Newf(apperr.Invalid, "unknown data store kind %q", d.DataStore.Kind)
		}
	}

	if len(d.Quota.AllowedOrigins) == 0 {
		d.Quota.AllowedOrigins = []string{"*"}
	}

	seen := make(map[string]bool, len(d.Parameters))
	for i := range d.Parameters {
		p := &d.Parameters[i]
		if p.Name == "" {
			return apperr.Newf(apperr.Invalid, "parameter %d has no name", i+1)
		}
		if seen[p.Name] {
			return apperr.Newf(apperr.Invalid, "duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if p.Type == "" {
			p.Type = "string"
		}
	}
	return nil
}

var pathPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// NormalizePath strips surrounding slashes and checks that the public
// path is a single URL-safe segment.
func NormalizePath(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if !pathPattern.MatchString(p) {
		return "", apperr.New(apperr.Invalid,
			"path must be 1-128 letters, digits, '-' or '_' and start with a letter or digit")
	}
	return p, nil
}

// GenerateSecret returns a fresh access secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "ak_" + base64.RawURLEncoding.EncodeToString(b), nil
}
