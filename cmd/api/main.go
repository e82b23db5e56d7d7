package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/funds"
)

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	fee := int64(10)
	if raw := os.Getenv("ARBITRATION_FEE"); raw != "" {
		fee, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || fee < 0 {
			log.Fatalf("invalid ARBITRATION_FEE %q", raw)
		}
	}

	arbIdentity := os.Getenv("ARBITRATOR_IDENTITY")
	arbOwner := os.Getenv("ARBITRATOR_OWNER")
	if arbIdentity == "" || arbOwner == "" {
		log.Fatal("ARBITRATOR_IDENTITY and ARBITRATOR_OWNER are required")
	}

	mover := funds.NewLedger()
	timeline := event.NewTimeline()
	outbox := event.NewOutbox()

	arbService := arbitrator.NewService(pool, arbitrator.NewRepository(pool), mover, outbox, arbitrator.Config{
		Identity:       arbIdentity,
		Owner:          arbOwner,
		ArbitrationFee: fee,
	})
	escrowService := escrow.NewService(pool, escrow.NewRepository(pool), mover, arbService, timeline, outbox)
	arbService.Bind("escrow", escrowService)

	server := &Server{
		authService:       auth.NewService(auth.NewRepository(pool), jwtSecret),
		escrowService:     escrowService,
		arbitratorService: arbService,
		accountService:    funds.NewRepository(pool),
	}

	mux := http.NewServeMux()
	server.routes(mux)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("escrow api listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
