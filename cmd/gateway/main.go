// Command gateway runs the Antigravity API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/auth"
	"github.com/skalene/antigravity-gateway/internal/cloudcode"
	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/server"
	"github.com/skalene/antigravity-gateway/internal/server/handlers"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

func main() {
	var (
		debugMode bool
		fallback  bool
		port      int
		host      string
		accounts  string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaust")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.StringVar(&accounts, "accounts", "", "Path to the account pool file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}

	// Flags win over config file and environment.
	if debugMode {
		cfg.Debug = true
	}
	if fallback {
		cfg.FallbackEnabled = true
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if accounts != "" {
		cfg.AccountsPath = accounts
	}

	utils.SetDebug(cfg.Debug)

	pool, err := account.LoadPool(cfg.AccountsPath, cfg)
	if err != nil {
		utils.Error("[Startup] Failed to load account pool: %v", err)
		os.Exit(1)
	}
	if pool.Count() == 0 {
		seedFromDatabase(pool)
	}

	broker := auth.NewBroker(cfg)
	dispatcher := cloudcode.NewDispatcher(pool, broker, cfg)
	srv := server.New(cfg, pool, broker, dispatcher)

	printBanner(cfg, pool)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := srv.Run(addr); err != nil {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Error("Forced shutdown: %v", err)
		os.Exit(1)
	}
	utils.Success("Server stopped")
}

// seedFromDatabase falls back to the local Antigravity installation's
// login when the pool file has no accounts. The account is sourced from
// the state database, so its refresh token is read fresh on every use.
func seedFromDatabase(pool *account.Pool) {
	status, err := auth.ReadAuthStatus("")
	if err != nil {
		utils.Debug("[Startup] No local Antigravity login: %v", err)
		return
	}
	acct := &account.Account{
		Email:   status.Email,
		Source:  "database",
		AddedAt: time.Now().UnixMilli(),
	}
	if err := pool.AddOrUpdate(acct); err != nil {
		utils.Warn("[Startup] Failed to add local account: %v", err)
		return
	}
	utils.Info("[Startup] Using local Antigravity account %s", utils.MaskEmail(status.Email))
}

func printBanner(cfg *config.Config, pool *account.Pool) {
	status := pool.Status()

	fmt.Println()
	fmt.Printf("  Antigravity Gateway v%s\n", handlers.Version)
	fmt.Printf("  Listening:  http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  Accounts:   %d total, %d available, %d rate-limited, %d invalid\n",
		status.Total, status.Available, status.RateLimited, status.Invalid)
	fmt.Printf("  Fallback:   %t\n", cfg.FallbackEnabled)
	if cfg.APIKey != "" {
		fmt.Println("  Auth:       API key required")
	}
	fmt.Println()

	if status.Total == 0 {
		utils.Warn("[Startup] No accounts configured. Add accounts to %s", cfg.AccountsPath)
	}
}
