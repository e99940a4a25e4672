package strategy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewRepository(db.Conn())
}

func testStrategy(name, category string, enabled bool) *domain.Strategy {
	return &domain.Strategy{
		Name:        name,
		Description: "rsi mean reversion",
		BuyConditions: []domain.Condition{{
			Field:        "RSI",
			Operator:     domain.OpLT,
			CompareType:  domain.CompareValue,
			CompareValue: 30,
			Params:       map[string]float64{"period": 14},
		}},
		ExitConfig: domain.DefaultExitConfig(),
		Category:   category,
		Enabled:    enabled,
	}
}

func TestCreateAndByID(t *testing.T) {
	repo := newTestRepo(t)
	expID := int64(7)
	s := testStrategy("rsi_dip", "mean_reversion", true)
	s.SourceExperimentID = &expID

	id, err := repo.Create(s, map[string]any{"score": 0.61, "total_trades": 42})
	require.NoError(t, err)

	got, err := repo.ByID(id)
	require.NoError(t, err)
	assert.Equal(t, "rsi_dip", got.Name)
	assert.Equal(t, "mean_reversion", got.Category)
	assert.True(t, got.Enabled)
	require.Len(t, got.BuyConditions, 1)
	assert.Equal(t, float64(14), got.BuyConditions[0].Params["period"])
	require.NotNil(t, got.SourceExperimentID)
	assert.Equal(t, expID, *got.SourceExperimentID)
	assert.Equal(t, domain.DefaultExitConfig(), got.ExitConfig)

	_, err = repo.ByID(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Create(testStrategy("dup", "", true), nil)
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("dup", "", true), nil)
	assert.Error(t, err)
}

func TestEnabledFiltersDisabledAndDeleted(t *testing.T) {
	repo := newTestRepo(t)
	onID, err := repo.Create(testStrategy("on", "", true), nil)
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("off", "", false), nil)
	require.NoError(t, err)
	goneID, err := repo.Create(testStrategy("gone", "", true), nil)
	require.NoError(t, err)
	require.NoError(t, repo.SoftDelete(goneID))

	got, err := repo.Enabled()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, onID, got[0].ID)
}

func TestEnabledByFamilies(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Create(testStrategy("a", "momentum", true), nil)
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("b", "mean_reversion", true), nil)
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("c", "breakout", true), nil)
	require.NoError(t, err)

	got, err := repo.EnabledByFamilies([]string{"momentum", "breakout"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "c", got[1].Name)

	// Empty family list means everything enabled.
	got, err = repo.EnabledByFamilies(nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestTopByScoreOrdersBySummaryScore(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Create(testStrategy("mid", "", true), map[string]any{"score": 0.5})
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("best", "", true), map[string]any{"score": 0.9})
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("unscored", "", true), nil)
	require.NoError(t, err)

	got, err := repo.TopByScore(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "best", got[0].Name)
	assert.Equal(t, "mid", got[1].Name)
}

func TestFamilyStatsTable(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Create(testStrategy("a", "momentum", true), map[string]any{"score": 0.4})
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("b", "momentum", true), map[string]any{"score": 0.6})
	require.NoError(t, err)
	_, err = repo.Create(testStrategy("c", "", true), map[string]any{"score": 0.9})
	require.NoError(t, err)

	stats, err := repo.FamilyStatsTable()
	require.NoError(t, err)
	require.Len(t, stats, 1, "uncategorized strategies are excluded")
	assert.Equal(t, "momentum", stats[0].Family)
	assert.Equal(t, 2, stats[0].Count)
	assert.InDelta(t, 0.5, stats[0].AvgScore, 1e-9)
}

func TestSetEnabledAndSoftDelete(t *testing.T) {
	repo := newTestRepo(t)
	id, err := repo.Create(testStrategy("toggle", "", true), nil)
	require.NoError(t, err)

	require.NoError(t, repo.SetEnabled(id, false))
	got, err := repo.ByID(id)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, repo.SoftDelete(id))
	_, err = repo.ByID(id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.SoftDelete(id), ErrNotFound)
}
