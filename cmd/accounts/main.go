// Command accounts maintains the gateway account pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/auth"
	"github.com/skalene/antigravity-gateway/internal/cloudcode"
	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

func main() {
	var accountsPath string
	flag.StringVar(&accountsPath, "accounts", "", "Path to the account pool file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Accounts] Failed to load config: %v", err)
	}
	if accountsPath != "" {
		cfg.AccountsPath = accountsPath
	}

	pool, err := account.LoadPool(cfg.AccountsPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load account pool: %v\n", err)
		os.Exit(1)
	}

	command := "list"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "list":
		listAccounts(pool)
	case "remove":
		if len(flag.Args()) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: accounts remove <email>")
			os.Exit(1)
		}
		removeAccount(pool, flag.Args()[1])
	case "verify":
		verifyAccounts(pool, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q. Commands: list, remove <email>, verify\n", command)
		os.Exit(1)
	}
}

func listAccounts(pool *account.Pool) {
	accounts := pool.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}

	now := time.Now().UnixMilli()
	for i, acct := range accounts {
		state := "ok"
		switch {
		case acct.Disabled:
			state = "disabled"
		case acct.IsInvalid:
			state = "invalid (" + acct.InvalidReason + ")"
		default:
			for model, limit := range acct.RateLimits {
				if limit != nil && limit.IsRateLimited && limit.ResetTime > now {
					state = fmt.Sprintf("rate-limited on %s, resets in %s",
						model, utils.FormatDuration(limit.ResetTime-now))
					break
				}
			}
		}

		source := acct.Source
		if source == "" {
			source = "oauth"
		}
		fmt.Printf("%d. %s  [%s]  %s\n", i+1, acct.Email, source, state)
	}
}

func removeAccount(pool *account.Pool, email string) {
	if err := pool.Remove(email); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", email, err)
		os.Exit(1)
	}
	fmt.Printf("Removed %s\n", email)
}

// verifyAccounts refreshes every account's token and fetches its model
// quotas, reporting which accounts still work.
func verifyAccounts(pool *account.Pool, cfg *config.Config) {
	accounts := pool.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}

	broker := auth.NewBroker(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	failed := 0
	for _, acct := range accounts {
		fmt.Printf("Verifying %s... ", acct.Email)

		token, err := broker.Token(ctx, acct)
		if err != nil {
			fmt.Printf("FAILED (%v)\n", err)
			failed++
			continue
		}

		projectID := broker.ProjectID(ctx, acct, token)
		quotas, err := cloudcode.GetModelQuotas(ctx, token, projectID)
		if err != nil {
			fmt.Printf("token ok, quota fetch failed (%v)\n", err)
			continue
		}

		fmt.Println("ok")
		for model, quota := range quotas {
			remaining := "n/a"
			if quota.RemainingFraction != nil {
				remaining = fmt.Sprintf("%.0f%%", *quota.RemainingFraction*100)
			}
			reset := ""
			if quota.ResetTime != nil && *quota.ResetTime != "" {
				reset = ", resets " + *quota.ResetTime
			}
			fmt.Printf("    %-32s %s remaining%s\n", model, remaining, reset)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d of %d accounts failed verification\n", failed, len(accounts))
		os.Exit(1)
	}
}
