package main

import (
	"log"

	"github.com/uma-arai/sbcntr-reservation/internal/common/config"
	"github.com/uma-arai/sbcntr-reservation/internal/common/database"
)

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDB(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}
