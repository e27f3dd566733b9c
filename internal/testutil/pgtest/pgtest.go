// Package pgtest provisions throwaway Postgres databases for integration
// tests. BIAGENT_TEST_POSTGRES_DSN points at an existing server on which a
// temporary database is created; otherwise BIAGENT_TEST_CONTAINERS=1 starts
// a disposable container. With neither set the calling test is skipped.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:16-alpine"

// DSN returns a connection string to an empty database owned by the test.
func DSN(t *testing.T) string {
	t.Helper()

	if adminDSN := strings.TrimSpace(os.Getenv("BIAGENT_TEST_POSTGRES_DSN")); adminDSN != "" {
		return temporaryDatabase(t, adminDSN)
	}
	if os.Getenv("BIAGENT_TEST_CONTAINERS") != "1" {
		t.Skip("BIAGENT_TEST_POSTGRES_DSN is not set and BIAGENT_TEST_CONTAINERS != 1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	container, err := tcpostgres.Run(ctx, image,
		tcpostgres.WithDatabase("biagent"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("container connection string: %v", err)
	}
	return dsn
}

func temporaryDatabase(t *testing.T, adminDSN string) string {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("biagent_it_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name

	t.Cleanup(func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Errorf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Errorf("DROP DATABASE failed: %v", err)
		}
	})
	return testURL.String()
}
