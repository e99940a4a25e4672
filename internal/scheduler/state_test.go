package scheduler

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db.Conn()
}

func TestStateRepositoryRoundtrip(t *testing.T) {
	repo := NewStateRepository(newTestDB(t))

	got, err := repo.Get(lastRunKey)
	require.NoError(t, err)
	assert.Empty(t, got, "unset key reads as empty")

	require.NoError(t, repo.Set(lastRunKey, "2024-06-27"))
	got, err = repo.Get(lastRunKey)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-27", got)

	// Upsert, not insert-or-fail.
	require.NoError(t, repo.Set(lastRunKey, "2024-06-28"))
	got, err = repo.Get(lastRunKey)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-28", got)
}

func TestReportsRepositorySaveAndLoad(t *testing.T) {
	repo := NewReportsRepository(newTestDB(t))

	got, err := repo.Latest()
	require.NoError(t, err)
	assert.Nil(t, got)

	report := &domain.AIReport{
		ReportDate:       "2024-06-27",
		ReportType:       "daily",
		MarketRegime:     "trending_bull",
		RegimeConfidence: 0.8,
		Recommendations: []domain.Recommendation{{
			StockCode: "600519", Action: "buy", Reason: "oversold bounce setup",
		}},
		Summary: "constructive tape, two candidates",
	}
	require.NoError(t, repo.Save(report))

	got, err = repo.ByDate("2024-06-27")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, report.MarketRegime, got.MarketRegime)
	require.Len(t, got.Recommendations, 1)
	assert.Equal(t, "600519", got.Recommendations[0].StockCode)

	got, err = repo.ByDate("2024-06-28")
	require.NoError(t, err)
	assert.Nil(t, got, "missing date reads as nil, not an error")
}

func TestReportsRepositoryUpsertAndLatest(t *testing.T) {
	repo := NewReportsRepository(newTestDB(t))

	require.NoError(t, repo.Save(&domain.AIReport{ReportDate: "2024-06-26", Summary: "old"}))
	require.NoError(t, repo.Save(&domain.AIReport{ReportDate: "2024-06-27", Summary: "first cut"}))
	require.NoError(t, repo.Save(&domain.AIReport{ReportDate: "2024-06-27", Summary: "revised"}))

	got, err := repo.ByDate("2024-06-27")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "revised", got.Summary)

	latest, err := repo.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2024-06-27", latest.ReportDate)
}
