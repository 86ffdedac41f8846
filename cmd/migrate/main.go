package main

import (
	"errors"
	"flag"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		dbURL   = flag.String("database-url", os.Getenv("ADMIN_DATABASE_URL"), "Admin database URL (defaults to $ADMIN_DATABASE_URL)")
		source  = flag.String("source", "file://scripts/migrations", "Migration source URL")
		command = flag.String("command", "up", "Migration command (up, down, force, version)")
		steps   = flag.Int("steps", 0, "Number of steps for up/down; 0 applies or reverts all")
		version = flag.Int("version", 1, "Version to force")
	)
	flag.Parse()

	if *dbURL == "" {
		log.Fatal().Msg("Admin database URL is required (-database-url or ADMIN_DATABASE_URL)")
	}

	config, err := pgx.ParseConfig(*dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse database URL")
	}
	db := stdlib.OpenDB(*config)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrator")
	}

	switch *command {
	case "up":
		log.Info().Msg("Applying migrations...")
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied successfully")
	case "down":
		log.Info().Msg("Reverting migrations...")
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Failed to revert migrations")
		}
		log.Info().Msg("Migrations reverted successfully")
	case "force":
		log.Info().Int("version", *version).Msg("Forcing migration version...")
		if err := m.Force(*version); err != nil {
			log.Fatal().Err(err).Msg("Failed to force migration version")
		}
		log.Info().Msg("Migration version forced successfully")
	case "version":
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatal().Err(err).Msg("Failed to read migration version")
		}
		log.Info().Uint("version", v).Bool("dirty", dirty).Msg("Current migration version")
	default:
		log.Fatal().Msgf("Unknown command: %s", *command)
	}
}
