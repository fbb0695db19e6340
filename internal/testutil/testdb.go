package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const templateDB = "reconciler_template"

// One container per test binary. Every test gets its own database cloned
// from a migrated template, so tests never see each other's rows. The
// container is removed by the testcontainers reaper when the binary exits.
var (
	shared struct {
		once    sync.Once
		baseURL *url.URL
		err     error
	}
	dbSeq atomic.Int64
)

func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	shared.once.Do(func() {
		shared.baseURL, shared.err = startTemplate(context.Background())
	})
	if shared.err != nil {
		t.Fatalf("start postgres: %v", shared.err)
	}

	name := fmt.Sprintf("reconciler_test_%d", dbSeq.Add(1))

	admin, err := sql.Open("postgres", dsnFor("postgres"))
	if err != nil {
		t.Fatalf("open admin db: %v", err)
	}
	defer admin.Close()

	if _, err := admin.Exec(fmt.Sprintf(`CREATE DATABASE %s TEMPLATE %s`, name, templateDB)); err != nil {
		t.Fatalf("create test database: %v", err)
	}

	db, err := sql.Open("postgres", dsnFor(name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		admin, err := sql.Open("postgres", dsnFor("postgres"))
		if err != nil {
			t.Logf("open admin db: %v", err)
			return
		}
		defer admin.Close()
		if _, err := admin.Exec(fmt.Sprintf(`DROP DATABASE IF EXISTS %s WITH (FORCE)`, name)); err != nil {
			t.Logf("drop test database %s: %v", name, err)
		}
	})

	return db
}

func startTemplate(ctx context.Context) (*url.URL, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase(templateDB),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("connection string: %w", err)
	}
	base, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	tmpl, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	// the template must have no open connections once tests clone it
	defer tmpl.Close()

	if err := runMigrations(tmpl); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return base, nil
}

func dsnFor(database string) string {
	u := *shared.baseURL
	u.Path = "/" + database
	return u.String()
}

func runMigrations(db *sql.DB) error {
	migrationsDir := findMigrationsDir()

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, f := range upFiles {
		content, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
	}

	return nil
}

// findMigrationsDir walks up from the package under test to the repo root.
func findMigrationsDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "migrations"
	}
	for range 10 {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		dir = filepath.Dir(dir)
	}
	return "migrations"
}
