// migrate applies the embedded SQL migrations; go run ./cmd/migrate -direction=up.
package main

import (
	"errors"
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/config"
	"github.com/FilipeAphrody/sentinel-guard/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.WithField("direction", *direction).Info("no migrations to apply")
			return
		}
		log.WithError(err).WithField("direction", *direction).Error("migration failed")
		os.Exit(1)
	}
	log.WithField("direction", *direction).Info("migrations applied")
}
