// Package reconciler periodically brings the catalog's bindings and the
// container runtime back into agreement.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/provisioner"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

const runTimeout = 2 * time.Minute

// Catalog lists bindings by state.
type Catalog interface {
	ListBindings(ctx context.Context, state models.BindingState) ([]*models.Binding, error)
}

// Runtime is the container side.
type Runtime interface {
	Inspect(ctx context.Context, instanceID string) (*models.Instance, error)
	Teardown(ctx context.Context, instanceID string) error
	ListManaged(ctx context.Context) ([]provisioner.Managed, error)
}

// Registry records instances that disappeared.
type Registry interface {
	MarkInstanceLost(ctx context.Context, definitionID, bindingID, reason string) error
}

// Report summarises one pass.
type Report struct {
	Bound   int
	Lost    int
	Orphans int
}

type Reconciler struct {
	catalog  Catalog
	runtime  Runtime
	registry Registry
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	cron     *cron.Cron
}

func New(catalog Catalog, runtime Runtime, registry Registry, m *metrics.Metrics, log logrus.FieldLogger) *Reconciler {
	log = log.WithField("component", "reconciler")
	return &Reconciler{
		catalog:  catalog,
		runtime:  runtime,
		registry: registry,
		metrics:  m,
		log:      log,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		)),
	}
}

// Start schedules Reconcile on spec, e.g. "@every 1m".
func (r *Reconciler) Start(spec string) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := r.Reconcile(ctx); err != nil {
			r.log.WithError(err).Warn("reconcile failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", spec, err)
	}
	r.cron.Start()
	r.log.WithField("schedule", spec).Info("reconciler started")
	return nil
}

// Stop stops the schedule and waits for a running pass or ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile runs one pass: bound bindings whose instance is gone or not
// running are marked lost, and managed containers that no live binding
// owns are removed.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	// Containers first, then provisioning before bound. A container's binding
	// exists before the container does and only moves forward from
	// provisioning, so a binding committed mid-pass still shows up in one of
	// the two lists.
	managed, err := r.runtime.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	provisioning, err := r.catalog.ListBindings(ctx, models.BindingProvisioning)
	if err != nil {
		return nil, err
	}
	bound, err := r.catalog.ListBindings(ctx, models.BindingBound)
	if err != nil {
		return nil, err
	}

	report := &Report{Bound: len(bound)}
	live := make(map[string]bool, len(bound)+len(provisioning))
	for _, b := range provisioning {
		live[b.ID] = true
	}

	for _, b := range bound {
		lost, reason, err := r.checkInstance(ctx, b)
		if err != nil {
			return report, err
		}
		if !lost {
			live[b.ID] = true
			continue
		}
		if err := r.registry.MarkInstanceLost(ctx, b.DefinitionID, b.ID, reason); err != nil {
			r.log.WithError(err).WithField("binding_id", b.ID).Error("failed to mark instance lost")
			live[b.ID] = true
			continue
		}
		report.Lost++
		report.Bound--
		r.metrics.ReconcileActions.WithLabelValues("instance_lost").Inc()
	}

	for _, c := range managed {
		if live[c.BindingID] {
			continue
		}
		log := r.log.WithFields(logrus.Fields{"container_id": c.ContainerID, "binding_id": c.BindingID, "api_id": c.DefinitionID})
		if err := r.runtime.Teardown(ctx, c.ContainerID); err != nil {
			log.WithError(err).Warn("failed to remove orphan container")
			continue
		}
		log.Info("removed orphan container")
		report.Orphans++
		r.metrics.ReconcileActions.WithLabelValues("orphan_removed").Inc()
	}

	r.metrics.InstancesBound.Set(float64(report.Bound))
	if report.Lost > 0 || report.Orphans > 0 {
		r.log.WithFields(logrus.Fields{"lost": report.Lost, "orphans": report.Orphans}).Info("reconcile corrected state")
	}
	return report, nil
}

// checkInstance reports whether a bound binding's instance is lost. An
// unreachable runtime aborts the pass rather than failing every binding.
func (r *Reconciler) checkInstance(ctx context.Context, b *models.Binding) (bool, string, error) {
	if b.InstanceID == "" {
		return true, "binding has no instance", nil
	}
	inst, err := r.runtime.Inspect(ctx, b.InstanceID)
	switch {
	case apperr.Is(err, apperr.NotFound):
		return true, "instance not found", nil
	case err != nil:
		return false, "", err
	}
	switch inst.Health {
	case models.HealthStopped, models.HealthFailed:
		return true, "instance " + string(inst.Health), nil
	}
	return false, "", nil
}
