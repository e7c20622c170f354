// Command admin applies the workflow schema to a database without starting
// the engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/vietddude/maestro/internal/infra/storage/sqlstore"
)

func main() {
	_ = godotenv.Load()

	driver := flag.String("driver", "pgx", "database driver (pgx, postgres, sqlite3)")
	url := flag.String("url", os.Getenv("MAESTRO_DATABASE_URL"), "database url")
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "database url is required (-url or MAESTRO_DATABASE_URL)")
		os.Exit(1)
	}

	store, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver:  *driver,
		URL:     *url,
		Migrate: true,
	})
	if err != nil {
		panic(err)
	}
	defer store.Close()

	fmt.Printf("Successfully migrated %s database\n", store.DB().Dialect())
}
