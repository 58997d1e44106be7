// Command migrate manages the keymux database schema.
//
// It wraps goose, pointed at the repository's migrations directory:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate status
//	go run ./cmd/migrate down
//
// Any goose command works, including up-to and down-to with a version
// argument. The database comes from DATABASE_URL, with .env honored the
// same way the server honors it.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/keymux/internal/retry"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the .sql migration files")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := retry.Do(ctx, retry.Backoff{Attempts: 5, Base: 500 * time.Millisecond}, func(ctx context.Context) error {
		return db.PingContext(ctx)
	}); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := goose.RunContext(ctx, cmd, db, *dir, args...); err != nil {
		log.Fatalf("goose %s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-dir migrations] <command> [args]")
	fmt.Fprintln(os.Stderr, "commands: up, down, redo, status, version, up-to N, down-to N")
}
