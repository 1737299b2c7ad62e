package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncidentQuery_Empty(t *testing.T) {
	sql, args := incidentQuery(models.IncidentFilter{})
	assert.Equal(t, incidentSelect+" ORDER BY created_at DESC, id ASC", sql)
	assert.Empty(t, args)
}

func TestIncidentQuery_NumbersPlaceholdersInOrder(t *testing.T) {
	since := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	exclude := uuid.New()
	sql, args := incidentQuery(models.IncidentFilter{
		ExcludeID:     exclude,
		Types:         []models.IncidentType{models.TypeFire, models.TypeExplosion},
		ExcludeStatus: []models.Status{models.StatusMerged},
		State:         "Kano",
		Since:         since,
		Limit:         20,
	})

	assert.Equal(t, incidentSelect+
		" WHERE id <> $1 AND incident_type = ANY($2) AND NOT (status = ANY($3)) AND state = $4 AND created_at >= $5"+
		" ORDER BY created_at DESC, id ASC LIMIT $6", sql)
	require.Len(t, args, 6)
	assert.Equal(t, exclude, args[0])
	assert.Equal(t, []string{"fire", "explosion"}, args[1])
	assert.Equal(t, []string{"merged"}, args[2])
	assert.Equal(t, 20, args[5])
}

func TestIncidentArgs_MatchColumns(t *testing.T) {
	args := incidentArgs(models.Incident{ID: uuid.New()})
	assert.Len(t, args, len(incidentColumns))
	assert.Equal(t, []string{}, args[17], "nil refs encode as empty arrays")
}

func TestIncidentUpdate_GuardsEscalationLevel(t *testing.T) {
	assert.True(t, strings.HasSuffix(incidentUpdate, " WHERE id = $1 AND escalation_level <= $24"), incidentUpdate)
	assert.Contains(t, incidentUpdate, "escalation_level = $24,")

	args := incidentArgs(models.Incident{ID: uuid.New(), Escalation: models.Escalation{Level: 4}})
	assert.Equal(t, 4, args[23])
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.True(t, apperr.Is(classify("op", pgx.ErrNoRows), apperr.KindNotFound))
	assert.True(t, apperr.Is(classify("op", &pgconn.PgError{Code: "23505"}), apperr.KindBusinessRule))
	assert.True(t, apperr.Is(classify("op", &pgconn.PgError{Code: "08006"}), apperr.KindTransient))
	assert.True(t, apperr.Is(classify("op", errors.New("dial tcp: connection refused")), apperr.KindTransient))

	syntax := classify("op", &pgconn.PgError{Code: "42601"})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(syntax))

	canceled := classify("op", fmt.Errorf("query: %w", context.Canceled))
	assert.False(t, apperr.IsRetryable(canceled))
	assert.ErrorIs(t, canceled, context.Canceled)
}

// The tests below need a PostgreSQL server. Set TEST_DATABASE_URL to run them.

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return NewStore(pool)
}

func TestStore_IncidentRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	inc := models.Incident{
		ID:       uuid.New(),
		Channel:  models.ChannelAPI,
		Type:     models.TypeFire,
		Severity: models.SeverityCritical,
		Location: models.Location{
			Latitude:  models.FloatPtr(12.0022),
			Longitude: models.FloatPtr(8.592),
			State:     "Kano",
			LGA:       "Dala",
		},
		Description: models.Description{Text: "market fire", PhotoRefs: []string{"p1"}},
		Confidence:  models.Confidence{Score: models.IntPtr(70)},
		Status:      models.StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.Incidents().Create(ctx, inc))
	assert.True(t, apperr.Is(s.Incidents().Create(ctx, inc), apperr.KindBusinessRule))

	got, err := s.Incidents().Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.Type, got.Type)
	assert.Equal(t, 12.0022, *got.Location.Latitude)
	assert.Equal(t, []string{"p1"}, got.Description.PhotoRefs)
	assert.Equal(t, 70, *got.Confidence.Score)
	assert.Nil(t, got.MergedInto)
	assert.True(t, now.Equal(got.CreatedAt))

	got.Escalation.Level = 3
	got.Escalation.RulesTriggered = []string{"rule-a"}
	require.NoError(t, s.Incidents().Update(ctx, got))

	list, err := s.Incidents().Query(ctx, models.IncidentFilter{
		Types: []models.IncidentType{models.TypeFire},
		Since: now.Add(-time.Second),
		State: "Kano",
	})
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, 3, list[0].Escalation.Level)

	_, err = s.Incidents().Get(ctx, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.New()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.Incidents().Create(ctx, models.Incident{
			ID: id, Channel: models.ChannelWeb, Type: models.TypeTheft, Severity: models.SeverityLow,
			Status: models.StatusReceived, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Incidents().Get(ctx, id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStore_UpdateRefusesLowerLevel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	inc := models.Incident{
		ID: uuid.New(), Channel: models.ChannelAPI, Type: models.TypeFire, Severity: models.SeverityCritical,
		Status: models.StatusReceived, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Incidents().Create(ctx, inc))

	raised := inc
	raised.Escalation.Level = 4
	require.NoError(t, s.Incidents().Update(ctx, raised))

	inc.Escalation.Level = 3
	err := s.Incidents().Update(ctx, inc)
	assert.True(t, apperr.Is(err, apperr.KindBusinessRule))

	inc.ID = uuid.New()
	err = s.Incidents().Update(ctx, inc)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

// A second writer blocks on the row lock until the first commits, then sees
// its write.
func TestStore_GetForUpdateSerializesWriters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.New()
	require.NoError(t, s.Incidents().Create(ctx, models.Incident{
		ID: id, Channel: models.ChannelAPI, Type: models.TypeFire, Severity: models.SeverityCritical,
		Status: models.StatusReceived, CreatedAt: now, UpdatedAt: now,
	}))

	locked := make(chan struct{})
	seen := make(chan int, 1)
	done := make(chan error, 1)

	go func() {
		<-locked
		done <- s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			inc, err := tx.Incidents().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			seen <- inc.Escalation.Level
			inc.Escalation.Level = 4
			return tx.Incidents().Update(ctx, inc)
		})
	}()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		inc, err := tx.Incidents().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		close(locked)
		time.Sleep(100 * time.Millisecond)
		inc.Escalation.Level = 3
		return tx.Incidents().Update(ctx, inc)
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, 3, <-seen, "second writer read after the first committed")
	got, err := s.Incidents().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Escalation.Level)
}
