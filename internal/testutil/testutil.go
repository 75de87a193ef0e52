package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Baaaki/bazaar-inbox/internal/database"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDatabase is an in-memory SQLite database private to one test.
type TestDatabase struct {
	DB  *gorm.DB
	DSN string
}

// TestRedis is a miniredis server.
type TestRedis struct {
	Server *miniredis.Miniredis
	URL    string
}

// SetupTestDatabase opens a fresh in-memory database with the production
// schema. Each call gets its own named database so parallel tests never
// share rows.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// One connection keeps the shared in-memory database alive and
	// serializes writers the way a single SQLite file would.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get underlying DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	td := &TestDatabase{DB: db, DSN: dsn}
	t.Cleanup(func() { td.Teardown(t) })
	return td
}

func (td *TestDatabase) Teardown(t *testing.T) {
	sqlDB, err := td.DB.DB()
	if err != nil {
		t.Logf("Warning: Failed to get underlying DB: %v", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		t.Logf("Warning: Failed to close database: %v", err)
	}
}

func SetupTestRedis(t *testing.T) *TestRedis {
	t.Helper()

	server := miniredis.RunT(t)
	return &TestRedis{
		Server: server,
		URL:    fmt.Sprintf("redis://%s", server.Addr()),
	}
}

// CleanDatabase empties every table (SQLite has no TRUNCATE).
func CleanDatabase(t *testing.T, db *gorm.DB) {
	for _, table := range []string{"messages", "conversations", "users"} {
		if err := db.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
			t.Logf("Warning: Failed to clean table %s: %v", table, err)
		}
	}
}
