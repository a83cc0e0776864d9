// Command keyrotate manages API keys: create, rotate with an overlap
// window, revoke, and list.
//
// Usage:
//
//	keyrotate -action create -name ci -role service [-description ...]
//	keyrotate -action rotate -name ci -role service [-overlap 24h]
//	keyrotate -action revoke -name ci
//	keyrotate -action list
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
	"github.com/mwwoodworth/aurea-orchestrator/internal/security"
	"github.com/mwwoodworth/aurea-orchestrator/internal/telemetry"
)

func main() {
	action := flag.String("action", "", "create | rotate | revoke | list")
	name := flag.String("name", "", "key name")
	role := flag.String("role", "readonly", "admin | service | readonly")
	description := flag.String("description", "", "key description")
	overlap := flag.Duration("overlap", 24*time.Hour, "how long the old key keeps working after rotation")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config: %v", err)
	}
	log, err := telemetry.NewLogger(cfg.Env, "keyrotate")
	if err != nil {
		fail("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := ledger.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		fail("postgres: %v", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.EnsureSchema(ctx); err != nil {
		fail("schema: %v", err)
	}

	manager := security.NewKeyManager(store, cfg.Security.KeySalt)
	keyRole := schema.Role(*role)
	operator := os.Getenv("USER")

	switch *action {
	case "create":
		requireName(*name)
		raw, key, err := manager.Create(ctx, *name, keyRole, *description, operator)
		if err != nil {
			fail("create: %v", err)
		}
		fmt.Printf("created key %s (%s)\n", key.Name, key.Role)
		printRawOnce(raw)

	case "rotate":
		requireName(*name)
		raw, key, err := manager.Rotate(ctx, *name, keyRole, *overlap, operator)
		if err != nil {
			fail("rotate: %v", err)
		}
		fmt.Printf("rotated key %s; old key expires in %s\n", key.Name, *overlap)
		printRawOnce(raw)

	case "revoke":
		requireName(*name)
		if err := manager.Revoke(ctx, *name); err != nil {
			fail("revoke: %v", err)
		}
		fmt.Printf("revoked key %s\n", *name)

	case "list":
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			fail("list: %v", err)
		}
		for _, k := range keys {
			state := "active"
			if !k.Active {
				state = "revoked"
			} else if k.ExpiresAt != nil {
				state = "expires " + k.ExpiresAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-20s %-9s %-30s %s\n", k.Name, k.Role, state, k.CreatedAt.UTC().Format(time.RFC3339))
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printRawOnce(raw string) {
	fmt.Printf("key (shown once, store it now): %s\n", raw)
}

func requireName(name string) {
	if name == "" {
		fail("-name is required")
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
