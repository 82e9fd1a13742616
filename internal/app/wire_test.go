package app

import (
	"bytes"
	"database/sql"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/mangawatch/internal/config"
	"github.com/hitoshi/mangawatch/internal/database"
	"github.com/hitoshi/mangawatch/internal/metrics"
	"github.com/hitoshi/mangawatch/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// openLazyDB は接続を確立しない*sql.DBを返す。ワイヤリングの検証のみに使う。
func openLazyDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(testDatabaseURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewSheetReader_PostgresBackend(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{SubscriptionBackend: config.BackendPostgres}

	reader, err := newSheetReader(cfg, openLazyDB(t), newTestLogger(&buf))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := reader.(*repository.PostgresSourceRepo); !ok {
		t.Errorf("reader = %T, want *repository.PostgresSourceRepo", reader)
	}
}

func TestNewSheetReader_SheetsBackendRejectsInvalidKey(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{
		SubscriptionBackend: config.BackendSheets,
		GoogleClientEmail:   "watcher@project.iam.gserviceaccount.com",
		GooglePrivateKey:    "not a pem",
		GoogleTokenURI:      "https://oauth2.googleapis.com/token",
	}

	_, err := newSheetReader(cfg, openLazyDB(t), newTestLogger(&buf))
	if err == nil {
		t.Fatal("expected error for invalid private key")
	}
	if !strings.Contains(err.Error(), "token source") {
		t.Errorf("error = %v", err)
	}
}

func TestNewSheetReader_UnknownBackend(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{SubscriptionBackend: "mongodb"}

	if _, err := newSheetReader(cfg, openLazyDB(t), newTestLogger(&buf)); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestBuildPipeline_WiresCycle(t *testing.T) {
	t.Setenv("DATABASE_URL", testDatabaseURL)
	t.Setenv("SUBSCRIPTION_BACKEND", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	var buf bytes.Buffer
	collector := metrics.NewCollector(prometheus.NewRegistry())
	p, err := buildPipeline(cfg, openLazyDB(t), collector, newTestLogger(&buf))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.cycle == nil || p.checkpoints == nil || p.deliveries == nil {
		t.Errorf("pipeline = %+v, 全コンポーネントが生成されていること", p)
	}
	if p.cycle.LastReport() != nil {
		t.Error("生成直後はサイクル結果を持たないこと")
	}
}
