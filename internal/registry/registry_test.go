package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/apiengine/internal/builder"
	"github.com/mrmushfiq/apiengine/internal/provisioner"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/database"
	"github.com/mrmushfiq/apiengine/internal/shared/logger"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

const owner = "user-1"

type fakeProvisioner struct {
	mu        sync.Mutex
	next      int
	live      map[string]bool
	issued    []string
	deploys   int
	deployErr error
	tearErr   error
	gate      chan struct{}
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{live: map[string]bool{}}
}

func (f *fakeProvisioner) Deploy(ctx context.Context, bundle *builder.Bundle, spec provisioner.DeploySpec) (*models.Instance, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys++
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	f.next++
	id := fmt.Sprintf("inst-%d", f.next)
	f.live[id] = true
	f.issued = append(f.issued, id)
	return &models.Instance{ID: id, Image: bundle.ImageTag(), Port: 40000 + f.next, Health: models.HealthRunning}, nil
}

func (f *fakeProvisioner) Teardown(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tearErr != nil {
		return f.tearErr
	}
	delete(f.live, instanceID)
	return nil
}

func (f *fakeProvisioner) Inspect(ctx context.Context, instanceID string) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[instanceID] {
		return nil, apperr.New(apperr.NotFound, "instance not found")
	}
	return &models.Instance{ID: instanceID, Health: models.HealthRunning}, nil
}

func (f *fakeProvisioner) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeQuota struct {
	mu     sync.Mutex
	resets []string
}

func (f *fakeQuota) Reset(ctx context.Context, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, scope)
	return nil
}

type fixture struct {
	svc   *Service
	db    *database.DB
	prov  *fakeProvisioner
	quota *fakeQuota
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	prov := newFakeProvisioner()
	quota := &fakeQuota{}
	svc := New(db, builder.New(), prov, quota, Options{
		DefaultQuota: models.QuotaPolicy{PerHour: 100, PerDay: 1000, PerMonth: 10000},
	}, metrics.NewUnregistered(), logger.Discard())

	return &fixture{svc: svc, db: db, prov: prov, quota: quota}
}

func createRequest(path string) CreateRequest {
	return CreateRequest{
		Name:     "Weather",
		Path:     path,
		Code:     "@app.get('/weather')\ndef weather():\n    return {'temp': 21}\n",
		Language: "python",
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) *models.Definition {
	t.Helper()
	d, err := f.svc.Create(context.Background(), owner, req)
	require.NoError(t, err)
	return d
}

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t)

	d := f.create(t, createRequest("/weather/"))

	assert.Equal(t, "weather", d.Path)
	assert.Equal(t, models.StatusDraft, d.Status)
	assert.Equal(t, models.VisibilityPublic, d.Visibility)
	assert.Nil(t, d.Secret)
	assert.Equal(t, int64(100), d.Quota.PerHour)
	assert.Equal(t, []string{"*"}, d.Quota.AllowedOrigins)
	assert.Equal(t, models.PricingFree, d.Pricing.Model)
	assert.Nil(t, d.Binding)
}

func TestCreate_DuplicatePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, createRequest("weather"))

	req := createRequest("weather")
	req.Name = "Other"
	_, err := f.svc.Create(ctx, "user-2", req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	got, err := f.svc.Resolve(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "Weather", got.Name)

	others, err := f.svc.List(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestCreate_PrivateSecret(t *testing.T) {
	f := newFixture(t)

	req := createRequest("private-one")
	req.Visibility = models.VisibilityPrivate
	d := f.create(t, req)
	require.NotNil(t, d.Secret)
	assert.True(t, strings.HasPrefix(*d.Secret, "ak_"))
	assert.Len(t, *d.Secret, 3+43)

	supplied := "my-own-secret-value-123"
	req = createRequest("private-two")
	req.Visibility = models.VisibilityPrivate
	req.Secret = &supplied
	d = f.create(t, req)
	assert.Equal(t, supplied, *d.Secret)

	// A public definition never carries a secret.
	req = createRequest("public-one")
	req.Secret = &supplied
	d = f.create(t, req)
	assert.Nil(t, d.Secret)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		kind   apperr.Kind
	}{
		{"bad path", func(r *CreateRequest) { r.Path = "a/b" }, apperr.Invalid},
		{"empty path", func(r *CreateRequest) { r.Path = "/" }, apperr.Invalid},
		{"no name", func(r *CreateRequest) { r.Name = " " }, apperr.Invalid},
		{"no code", func(r *CreateRequest) { r.Code = "" }, apperr.Invalid},
		{"language", func(r *CreateRequest) { r.Language = "cobol" }, apperr.UnsupportedLanguage},
		{"visibility", func(r *CreateRequest) { r.Visibility = "internal" }, apperr.Invalid},
		{"payg without price", func(r *CreateRequest) {
			r.Pricing = &models.PricingPolicy{Model: models.PricingPAYG}
		}, apperr.Invalid},
		{"duplicate parameter", func(r *CreateRequest) {
			r.Parameters = []models.Parameter{{Name: "q"}, {Name: "q"}}
		}, apperr.Invalid},
		{"data store", func(r *CreateRequest) {
			r.DataStore = &models.DataStore{Kind: "mongo"}
		}, apperr.Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest("valid-path")
			tt.mutate(&req)
			_, err := f.svc.Create(ctx, owner, req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestParametersRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	params := []models.Parameter{{Name: "q", Type: "string", Required: true}}
	for i, req := range []CreateRequest{
		createRequest("rt-a"),
		func() CreateRequest {
			r := createRequest("rt-b")
			r.Visibility = models.VisibilityPrivate
			r.Description = "with more fields"
			r.Quota = &models.QuotaPolicy{PerHour: 1, RequiresAuth: true}
			return r
		}(),
	} {
		req.Parameters = params
		d := f.create(t, req)

		got, err := f.svc.Get(ctx, owner, d.ID)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, params, got.Parameters, "case %d", i)
	}
}

func TestGet_NotOwner(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, createRequest("mine"))

	_, err := f.svc.Get(context.Background(), "intruder", d.ID)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	_, err = f.svc.Get(context.Background(), owner, "missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestUpdate_PartialMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := createRequest("patchme")
	req.Description = "original"
	req.Parameters = []models.Parameter{{Name: "q", Type: "string"}}
	d := f.create(t, req)

	name := "Renamed"
	empty := ""
	got, err := f.svc.Update(ctx, owner, d.ID, models.DefinitionPatch{Name: &name, Description: &empty})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "", got.Description)
	assert.Equal(t, d.Code, got.Code)
	assert.Equal(t, d.Parameters, got.Parameters)

	none := []models.Parameter{}
	got, err = f.svc.Update(ctx, owner, d.ID, models.DefinitionPatch{Parameters: &none})
	require.NoError(t, err)
	assert.Empty(t, got.Parameters)

	_, err = f.svc.Update(ctx, owner, "missing", models.DefinitionPatch{Name: &name})
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestUpdate_VisibilityKeepsSecretInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("flip"))

	private := models.VisibilityPrivate
	got, err := f.svc.Update(ctx, owner, d.ID, models.DefinitionPatch{Visibility: &private})
	require.NoError(t, err)
	require.NotNil(t, got.Secret)
	first := *got.Secret

	// Unrelated updates keep the secret.
	name := "again"
	got, err = f.svc.Update(ctx, owner, d.ID, models.DefinitionPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, first, *got.Secret)

	public := models.VisibilityPublic
	got, err = f.svc.Update(ctx, owner, d.ID, models.DefinitionPatch{Visibility: &public})
	require.NoError(t, err)
	assert.Nil(t, got.Secret)

	stored, err := f.db.GetDefinition(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Secret)
}

func TestDeployTeardownRedeploy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("lifecycle"))

	deployed, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, deployed.Status)
	require.NotNil(t, deployed.Binding)
	assert.Equal(t, models.BindingBound, deployed.Binding.State)
	assert.Equal(t, "inst-1", deployed.Binding.InstanceID)
	assert.Equal(t, 1, f.prov.liveCount())

	stopped, err := f.svc.Teardown(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)
	assert.Nil(t, stopped.Binding)
	assert.Equal(t, 0, f.prov.liveCount())

	// Teardown of a stopped definition is a no-op.
	again, err := f.svc.Teardown(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, again.Status)

	redeployed, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, redeployed.Status)
	assert.Equal(t, "inst-2", redeployed.Binding.InstanceID)
	assert.Equal(t, 1, f.prov.liveCount())

	// Redeploy while running replaces the instance.
	replaced, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-3", replaced.Binding.InstanceID)
	assert.Equal(t, 1, f.prov.liveCount())

	prev, err := f.db.GetBinding(ctx, redeployed.Binding.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BindingReleased, prev.State)

	seen := map[string]bool{}
	for _, id := range f.prov.issued {
		assert.False(t, seen[id], "instance id %s reused", id)
		seen[id] = true
	}
}

func TestDeploy_FailureLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("broken"))

	f.prov.deployErr = apperr.New(apperr.StartFailed, "instance exited with code 1")
	_, err := f.svc.Deploy(ctx, owner, d.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.StartFailed))

	got, err := f.svc.Get(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)
	assert.Nil(t, got.Binding)

	failed, err := f.db.ListBindings(ctx, models.BindingFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, d.ID, failed[0].DefinitionID)
	assert.Contains(t, failed[0].Error, "exited")

	// A failed redeploy keeps the running instance bound.
	f.prov.deployErr = nil
	live, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)
	f.prov.deployErr = apperr.New(apperr.BuildFailed, "pip install failed")
	_, err = f.svc.Deploy(ctx, owner, d.ID)
	assert.True(t, apperr.Is(err, apperr.BuildFailed))

	got, err = f.svc.Get(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, got.Status)
	assert.Equal(t, live.Binding.InstanceID, got.Binding.InstanceID)
	assert.Equal(t, 1, f.prov.liveCount())
}

func TestDeploy_ConcurrentCallsShareOneDeploy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("popular"))

	f.prov.gate = make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*models.Definition, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.svc.Deploy(ctx, owner, d.ID)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}

	// Give both callers time to join the same flight.
	time.Sleep(100 * time.Millisecond)
	close(f.prov.gate)
	wg.Wait()

	assert.Equal(t, 1, f.prov.deploys)
	assert.Equal(t, 1, f.prov.liveCount())
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].Binding.InstanceID, results[1].Binding.InstanceID)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := createRequest("doomed")
	req.Parameters = []models.Parameter{{Name: "q", Type: "string", Required: true}}
	d := f.create(t, req)
	_, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.InsertUsage(ctx, &models.UsageRecord{
		ID: "u1", DefinitionID: d.ID, Caller: "ip:1.2.3.4", Method: "GET", StatusCode: 200,
	}))

	_, err = f.svc.Resolve(ctx, "doomed")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, owner, d.ID))

	assert.Equal(t, 0, f.prov.liveCount())
	assert.Equal(t, []string{d.ID}, f.quota.resets)

	_, err = f.svc.Resolve(ctx, "doomed")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	n, err := f.db.CountUsage(ctx, d.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	reborn := f.create(t, createRequest("doomed"))
	assert.NotEqual(t, d.ID, reborn.ID)
	assert.Empty(t, reborn.Parameters)
}

func TestDelete_TeardownFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("sticky"))
	_, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)

	f.prov.tearErr = errors.New("engine hiccup")
	require.NoError(t, f.svc.Delete(ctx, owner, d.ID))

	_, err = f.db.GetDefinition(ctx, d.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestResolve_CacheEvictedOnLifecycleChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("cached"))

	got, err := f.svc.Resolve(ctx, "cached")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)

	_, err = f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)

	got, err = f.svc.Resolve(ctx, "cached")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, got.Status)
	require.NotNil(t, got.Binding)
}

// stallingCatalog holds a path lookup after it has read the row, until
// release is closed.
type stallingCatalog struct {
	*database.DB
	mu      sync.Mutex
	armed   bool
	read    chan struct{}
	release chan struct{}
}

func (c *stallingCatalog) GetDefinitionByPath(ctx context.Context, path string) (*models.Definition, error) {
	d, err := c.DB.GetDefinitionByPath(ctx, path)

	c.mu.Lock()
	armed := c.armed
	c.armed = false
	c.mu.Unlock()
	if armed {
		close(c.read)
		<-c.release
	}
	return d, err
}

func TestResolve_StaleReadDoesNotRepopulateCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	catalog := &stallingCatalog{DB: f.db, read: make(chan struct{}), release: make(chan struct{})}
	svc := New(catalog, builder.New(), f.prov, f.quota, Options{
		DefaultQuota:    models.QuotaPolicy{PerHour: 100, PerDay: 1000, PerMonth: 10000},
		ResolveCacheTTL: time.Minute,
	}, metrics.NewUnregistered(), logger.Discard())

	d, err := svc.Create(ctx, owner, createRequest("racy"))
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)

	catalog.mu.Lock()
	catalog.armed = true
	catalog.mu.Unlock()

	done := make(chan *models.Definition, 1)
	go func() {
		got, err := svc.Resolve(ctx, "racy")
		assert.NoError(t, err)
		done <- got
	}()

	<-catalog.read
	_, err = svc.Teardown(ctx, owner, d.ID)
	require.NoError(t, err)
	close(catalog.release)

	stale := <-done
	require.NotNil(t, stale)
	assert.Equal(t, models.StatusDeployed, stale.Status)

	got, err := svc.Resolve(ctx, "racy")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Nil(t, got.Binding)
}

func TestInstanceAndMarkLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, createRequest("fragile"))

	_, err := f.svc.Instance(ctx, owner, d.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	deployed, err := f.svc.Deploy(ctx, owner, d.ID)
	require.NoError(t, err)

	inst, err := f.svc.Instance(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthRunning, inst.Health)

	// A stale binding id is ignored.
	require.NoError(t, f.svc.MarkInstanceLost(ctx, d.ID, "other-binding", "gone"))
	got, err := f.svc.Get(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, got.Status)

	require.NoError(t, f.svc.MarkInstanceLost(ctx, d.ID, deployed.Binding.ID, "container vanished"))
	got, err = f.svc.Get(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)

	b, err := f.db.GetBinding(ctx, deployed.Binding.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BindingFailed, b.State)
	assert.Equal(t, "container vanished", b.Error)
}

func TestNormalizePath(t *testing.T) {
	p, err := NormalizePath(" /hello_world-2/ ")
	require.NoError(t, err)
	assert.Equal(t, "hello_world-2", p)

	for _, bad := range []string{"", "-x", "a/b", "a b", strings.Repeat("x", 129)} {
		_, err := NormalizePath(bad)
		assert.True(t, apperr.Is(err, apperr.Invalid), bad)
	}
}
