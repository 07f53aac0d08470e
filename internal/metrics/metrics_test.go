package metrics_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"codeberg.org/mutker/thermalctl/internal/thermal"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) metrics.Config {
	t.Helper()
	cfg := metrics.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	cfg.BatchSize = 2
	cfg.BatchTimeout = 0
	return cfg
}

func sampleReport(at time.Time) *thermal.TickReport {
	return &thermal.TickReport{
		Time:     at,
		Duration: 1500 * time.Microsecond,
		Matched:  []string{"any fan absence", "temp check"},
		CollectErrors: map[string]error{
			thermal.PsuInfoName: errors.New("psu read failed"),
		},
		Fans: thermal.FanSummary{Present: []string{"fan0", "fan1"}, Absent: []string{"fan2"}},
		Psus: thermal.PsuSummary{Present: []string{"psu0"}},
		Thermal: &thermal.ThermalState{
			CurrentAverage:  51.5,
			PreviousAverage: 50.0,
			CriticalTemp:    60,
			WarmUp:          true,
		},
	}
}

func TestFromReport(t *testing.T) {
	at := time.Unix(1700000000, 0)
	rec := metrics.FromReport(sampleReport(at))

	assert.Equal(t, at, rec.Timestamp)
	assert.Equal(t, metrics.FanMetrics{Present: 2, Absent: 1}, rec.Fans)
	assert.Equal(t, metrics.PsuMetrics{Present: 1}, rec.Psus)
	assert.True(t, rec.Thermal.Valid)
	assert.True(t, rec.Thermal.WarmUp)
	assert.Equal(t, 1, rec.Policies.CollectErrors)
	assert.Equal(t, []string{"any fan absence", "temp check"}, rec.Policies.Matched)

	empty := metrics.FromReport(&thermal.TickReport{Time: at})
	assert.False(t, empty.Thermal.Valid)
	assert.Empty(t, empty.Policies.Matched)
}

func TestRepositoryBatchesAndReads(t *testing.T) {
	cfg := testConfig(t)
	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	for i := range 3 {
		require.NoError(t, repo.Record(metrics.FromReport(sampleReport(base.Add(time.Duration(i)*time.Minute)))))
	}

	records, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	newest := records[0]
	assert.Equal(t, base.Add(2*time.Minute).UnixNano(), newest.Timestamp.UnixNano())
	assert.Equal(t, 1500*time.Microsecond, newest.Duration)
	assert.InDelta(t, 51.5, newest.Thermal.Average, 1e-9)
	assert.True(t, newest.Thermal.WarmUp)
	assert.False(t, newest.Thermal.CoolDown)
	assert.Equal(t, 2, newest.Fans.Present)
	assert.Equal(t, []string{"any fan absence", "temp check"}, newest.Policies.Matched)

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
	assert.True(t, apperrors.HasCode(repo.Record(&metrics.TickRecord{}), metrics.ErrStorageAccess))
}

func TestRepositoryFlushesOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchTimeout = time.Hour

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Record(metrics.FromReport(sampleReport(time.Now()))))
	require.NoError(t, repo.Close())

	reopened, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Recent(10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRepositoryBoundsBufferWhileFlushFails(t *testing.T) {
	cfg := testConfig(t)
	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer db.Close()

	// inserts fail while the table is renamed away
	_, err = db.Exec(`ALTER TABLE ticks RENAME TO ticks_offline`)
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	failed := 0
	for i := range 50 {
		if err := repo.Record(metrics.FromReport(sampleReport(base.Add(time.Duration(i) * time.Minute)))); err != nil {
			assert.True(t, apperrors.HasCode(err, metrics.ErrTransactionFailed))
			failed++
		}
	}
	assert.Equal(t, 49, failed)

	_, err = db.Exec(`ALTER TABLE ticks_offline RENAME TO ticks`)
	require.NoError(t, err)

	// only the newest batches survive: batch size 2 keeps 20 records
	records, err := repo.Recent(100)
	require.NoError(t, err)
	require.Len(t, records, 20)
	assert.Equal(t, base.Add(49*time.Minute).UnixNano(), records[0].Timestamp.UnixNano())
	assert.Equal(t, base.Add(30*time.Minute).UnixNano(), records[19].Timestamp.UnixNano())
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	records, err := repo.Recent(1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestServiceDisabled(t *testing.T) {
	rec, err := metrics.NewService(metrics.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), &metrics.TickRecord{}))
	require.NoError(t, rec.Close())
}

func TestServiceRecord(t *testing.T) {
	rec, err := metrics.NewService(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	assert.True(t, apperrors.HasCode(rec.Record(context.Background(), nil), metrics.ErrInvalidRecord))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, apperrors.HasCode(rec.Record(ctx, &metrics.TickRecord{}), metrics.ErrOperationTimeout))

	obs := metrics.NewObserver(rec, logger.Nop())
	obs.ObserveTick(context.Background(), sampleReport(time.Now()))
}

func TestConfigValidate(t *testing.T) {
	cfg := metrics.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Enabled = true
	cfg.DBPath = ""
	assert.True(t, apperrors.HasCode(cfg.Validate(), metrics.ErrInvalidDBPath))

	cfg.DBPath = "/tmp/history.db"
	cfg.BatchSize = 0
	assert.True(t, apperrors.HasCode(cfg.Validate(), metrics.ErrInvalidConfig))

	_, err := metrics.NewService(cfg, logger.Nop())
	assert.True(t, apperrors.HasCode(err, metrics.ErrInvalidConfig))
}

func TestRepositoryInitFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(blocker, "history.db")
	_, err := metrics.NewRepository(cfg, logger.Nop())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrInitMetrics))
}
