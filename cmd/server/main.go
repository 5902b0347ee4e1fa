package main // Entry point package

import (
	"context" // Startup connection context
	"log" // Bootstrap failures before the structured logger exists

	"github.com/iliyamo/slot-booking/internal/app"    // Component wiring and HTTP server
	"github.com/iliyamo/slot-booking/internal/config" // Internal config loader
)

const serviceName = "booking-core"

func main() {
	config.LoadDotEnv()  // Pick up .env in development
	cfg := config.Load() // Load environment config
	lg := app.NewLogger(cfg, serviceName)

	db, rdb, err := app.Open(context.Background(), cfg) // MySQL and Redis are both required
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	core := app.Wire(cfg, app.LoadSettings(), db, rdb, lg)

	if err := app.NewApplication(cfg, core).Run(); err != nil { // Serve until signalled
		lg.Fatal("server failed", "error", err)
	}
}
