// Command migrate applies or rolls back the embedded schema migrations.
//
//	migrate [-database-url URL] up|down|version|force N
package main

import (
	"flag"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/golang-migrate/migrate/v4"

	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	if err := run(databaseURL, cmd, flag.Args()); err != nil {
		slog.Error("migrate failed", slog.String("command", cmd), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(databaseURL, cmd string, args []string) error {
	m, err := postgres.Migrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "force":
		if len(args) < 2 {
			return errors.New("force needs a version")
		}
		v, perr := strconv.Atoi(args[1])
		if perr != nil {
			return errors.Wrap(perr, "parse version")
		}
		err = m.Force(v)
	case "version":
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		slog.Info("no migrations applied")
	case err != nil:
		return errors.Wrap(err, "read version")
	default:
		slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}
