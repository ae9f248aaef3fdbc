package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/apiengine/internal/provisioner"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/logger"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

type fakeCatalog struct {
	bindings map[models.BindingState][]*models.Binding
	// afterList runs after each ListBindings call returns its snapshot.
	afterList func(state models.BindingState)
}

func (f *fakeCatalog) ListBindings(ctx context.Context, state models.BindingState) ([]*models.Binding, error) {
	out := append([]*models.Binding(nil), f.bindings[state]...)
	if f.afterList != nil {
		f.afterList(state)
	}
	return out, nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	instances  map[string]models.Health
	managed    []provisioner.Managed
	removed    []string
	inspectErr error
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*models.Instance, error) {
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	h, ok := f.instances[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "instance not found")
	}
	return &models.Instance{ID: id, Health: h}, nil
}

func (f *fakeRuntime) Teardown(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]provisioner.Managed, error) {
	return f.managed, nil
}

type lostCall struct{ definitionID, bindingID, reason string }

type fakeRegistry struct {
	calls []lostCall
}

func (f *fakeRegistry) MarkInstanceLost(ctx context.Context, definitionID, bindingID, reason string) error {
	f.calls = append(f.calls, lostCall{definitionID, bindingID, reason})
	return nil
}

func TestReconcile(t *testing.T) {
	catalog := &fakeCatalog{bindings: map[models.BindingState][]*models.Binding{
		models.BindingBound: {
			{ID: "b-ok", DefinitionID: "api-ok", InstanceID: "c-ok"},
			{ID: "b-gone", DefinitionID: "api-gone", InstanceID: "c-gone"},
			{ID: "b-dead", DefinitionID: "api-dead", InstanceID: "c-dead"},
		},
		models.BindingProvisioning: {
			{ID: "b-new", DefinitionID: "api-new"},
		},
	}}
	runtime := &fakeRuntime{
		instances: map[string]models.Health{
			"c-ok":   models.HealthRunning,
			"c-dead": models.HealthFailed,
		},
		managed: []provisioner.Managed{
			{ContainerID: "c-ok", BindingID: "b-ok"},
			{ContainerID: "c-dead", BindingID: "b-dead"},
			{ContainerID: "c-new", BindingID: "b-new"},
			{ContainerID: "c-stale", BindingID: "b-released"},
			{ContainerID: "c-unlabelled"},
		},
	}
	registry := &fakeRegistry{}
	m := metrics.NewUnregistered()
	r := New(catalog, runtime, registry, m, logger.Discard())

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Report{Bound: 1, Lost: 2, Orphans: 3}, report)
	assert.Equal(t, []lostCall{
		{"api-gone", "b-gone", "instance not found"},
		{"api-dead", "b-dead", "instance failed"},
	}, registry.calls)
	assert.ElementsMatch(t, []string{"c-dead", "c-stale", "c-unlabelled"}, runtime.removed)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.InstancesBound))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReconcileActions.WithLabelValues("instance_lost")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ReconcileActions.WithLabelValues("orphan_removed")))
}

func TestReconcile_BindingCommittedDuringPassKeepsContainer(t *testing.T) {
	b := &models.Binding{ID: "b-new", DefinitionID: "api-new"}
	catalog := &fakeCatalog{bindings: map[models.BindingState][]*models.Binding{
		models.BindingProvisioning: {b},
	}}
	committed := false
	catalog.afterList = func(models.BindingState) {
		if committed {
			return
		}
		committed = true
		b.State, b.InstanceID = models.BindingBound, "c-new"
		catalog.bindings[models.BindingProvisioning] = nil
		catalog.bindings[models.BindingBound] = []*models.Binding{b}
	}
	runtime := &fakeRuntime{
		instances: map[string]models.Health{"c-new": models.HealthRunning},
		managed:   []provisioner.Managed{{ContainerID: "c-new", BindingID: "b-new", DefinitionID: "api-new"}},
	}
	registry := &fakeRegistry{}
	r := New(catalog, runtime, registry, metrics.NewUnregistered(), logger.Discard())

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runtime.removed)
	assert.Empty(t, registry.calls)
	assert.Equal(t, 0, report.Orphans)
	assert.Equal(t, 1, report.Bound)
}

func TestReconcile_RuntimeDownChangesNothing(t *testing.T) {
	catalog := &fakeCatalog{bindings: map[models.BindingState][]*models.Binding{
		models.BindingBound: {{ID: "b1", DefinitionID: "api-1", InstanceID: "c1"}},
	}}
	runtime := &fakeRuntime{inspectErr: apperr.Wrap(apperr.ProvisionerUnavailable, errors.New("dial"), "container runtime is not reachable")}
	registry := &fakeRegistry{}
	r := New(catalog, runtime, registry, metrics.NewUnregistered(), logger.Discard())

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ProvisionerUnavailable))
	assert.Empty(t, registry.calls)
	assert.Empty(t, runtime.removed)
}

func TestStartStop(t *testing.T) {
	r := New(&fakeCatalog{}, &fakeRuntime{}, &fakeRegistry{}, metrics.NewUnregistered(), logger.Discard())

	assert.Error(t, r.Start("not a schedule"))
	require.NoError(t, r.Start("@every 1h"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}
