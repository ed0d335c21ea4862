package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/config"
	"sitespectral.org/internal/httpapi"
	"sitespectral.org/internal/magiclink"
	"sitespectral.org/internal/obs"
	"sitespectral.org/internal/ratelimit"
	"sitespectral.org/internal/store/pg"
)

var (
	version = "0.4.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	db, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	tokens, err := auth.NewTokenService(cfg.AuthSecret, cfg.Issuer)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	limiter := ratelimit.NewLimiter(ratelimit.NewPGStore(db), ratelimit.DefaultPolicies())
	users := auth.NewPGUserStore(db)

	authSvc, err := auth.NewService(users, tokens, limiter, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	magicSvc, err := magiclink.NewService(magiclink.NewPGStore(db), tokens, limiter, nil, cfg.ParentDomain, cfg.MagicSessionTTL)
	if err != nil {
		log.Fatalf("magiclink service: %v", err)
	}

	var providers []auth.Provider
	if cfg.FederatedHeader != "" {
		providers = append(providers, &auth.FederatedProvider{
			Header:   cfg.FederatedHeader,
			Verifier: auth.IDTokenVerifier{Audience: cfg.FederatedAudience},
			Users: func(ctx context.Context, email string) (*auth.User, error) {
				return authSvc.ResolveByEmail(ctx, email)
			},
		})
	}
	providers = append(providers,
		&auth.CookieProvider{Tokens: tokens},
		&auth.BearerProvider{Tokens: tokens},
	)

	api := httpapi.New(cfg, httpapi.ReadyProbe{DB: db}, version, httpapi.Deps{
		Auth:     authSvc,
		Resolver: auth.NewChain(providers...),
		Magic:    magicSvc,
		Stations: pg.NewStationStore(db),
		Limiter:  limiter,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting spectral-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
