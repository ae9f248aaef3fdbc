//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

func newPostgresDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("apiengine_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := New(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestPostgres_CatalogRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newPostgresDB(t)
	assert.Equal(t, DialectPostgres, db.Dialect())

	def := sampleDefinition("api-1", "weather")
	require.NoError(t, db.CreateDefinition(ctx, def))

	err := db.CreateDefinition(ctx, sampleDefinition("api-2", "weather"))
	assert.True(t, apperr.Is(err, apperr.Conflict))

	got, err := db.GetDefinitionByPath(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, def.Parameters, got.Parameters)
	assert.Equal(t, def.Quota, got.Quota)

	b := &models.Binding{ID: "b-1", DefinitionID: "api-1", State: models.BindingProvisioning}
	require.NoError(t, db.CreateBinding(ctx, b))
	b.InstanceID, b.Port = "c-1", 49001
	_, err = db.CommitBinding(ctx, b)
	require.NoError(t, err)

	bound, err := db.ListBindings(ctx, models.BindingBound)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, 49001, bound[0].Port)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.InsertUsage(ctx, &models.UsageRecord{
			ID: "u-" + string(rune('a'+i)), DefinitionID: "api-1", Caller: "ip:10.0.0.1",
			Method: "GET", Path: "/execute/weather", StatusCode: 200, CreatedAt: time.Now().UTC(),
		}))
	}
	n, err := db.CountUsage(ctx, "api-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, db.DeleteDefinition(ctx, "api-1"))
	n, err = db.CountUsage(ctx, "api-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
