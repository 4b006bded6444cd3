// Command migrate applies schema migrations and seeds against the configured
// database.
//
//	migrate up|down|status|seed [-dir migrations] [-seeds seeds]
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"athens-ptw.org/internal/migrate"
)

func main() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dir := fs.String("dir", "migrations", "migrations directory")
	seeds := fs.String("seeds", "seeds", "seeds directory")

	args := os.Args[1:]
	if len(args) == 0 {
		usage()
	}
	cmd := args[0]
	_ = fs.Parse(args[1:])

	dsn := os.Getenv("ATHENS_PG_DSN")
	if dsn == "" {
		log.Fatal("ATHENS_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	m := migrate.NewManager(db, *dir, *seeds)
	switch cmd {
	case "up":
		err = m.Up(ctx)
	case "down":
		err = m.Down(ctx)
	case "status":
		var applied []string
		applied, err = m.Status(ctx)
		if err == nil {
			if len(applied) == 0 {
				fmt.Println("no migrations applied")
			}
			for _, name := range applied {
				fmt.Println(name)
			}
		}
	case "seed":
		err = m.Seed(ctx)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate up|down|status|seed [-dir migrations] [-seeds seeds]")
	os.Exit(2)
}
