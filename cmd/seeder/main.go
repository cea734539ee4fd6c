//cmd/seeder/main.go
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/db"
	"github.com/unclebandit/promo-mailer-backend/internal/logger"
)

func main() {
	dir := flag.String("dir", "seed", "directory holding the seed SQL files")
	flag.Parse()

	_ = godotenv.Load()

	zlog, err := logger.New(os.Getenv("APP_ENV"))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		zlog.Fatal("DATABASE_URL is required")
	}

	conn, err := db.Init(dsn, zlog)
	if err != nil {
		zlog.Fatal("failed to open database", zap.Error(err))
	}
	defer conn.Close()

	seedFiles := []string{
		"users.sql",
	}

	for _, file := range seedFiles {
		path := filepath.Join(*dir, file)
		content, err := os.ReadFile(path)
		if err != nil {
			zlog.Fatal("failed to read seed file", zap.String("file", path), zap.Error(err))
		}

		if _, err := conn.Exec(string(content)); err != nil {
			zlog.Fatal("failed to execute seed file", zap.String("file", path), zap.Error(err))
		}
		zlog.Info("seeded", zap.String("file", path))
	}

	zlog.Info("database seeding completed")
}
