//go:build integration

package testutil

import (
	"context"
	"errors"
	"time"

	"questionpool/models"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// StartPostgres runs a disposable Postgres container and returns a migrated
// gorm handle. The container is terminated in tb.Cleanup.
func StartPostgres(tb TB) *gorm.DB {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := postgres.RunContainer(ctx,
		tc.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("questionpool"),
		postgres.WithUsername("questionpool"),
		postgres.WithPassword("questionpool"),
	)
	if err != nil {
		tb.Fatalf("start postgres: %v", err)
	}
	tb.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = pg.Terminate(stopCtx)
	})

	uri, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("postgres uri: %v", err)
	}

	db, err := gorm.Open(gormpg.Open(uri), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open postgres: %v", err)
	}
	if err := waitReady(ctx, db); err != nil {
		tb.Fatalf("postgres: %v", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

func waitReady(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	dead := time.Now().Add(20 * time.Second)
	for time.Now().Before(dead) {
		if err := sqlDB.PingContext(ctx); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("db not ready")
}
