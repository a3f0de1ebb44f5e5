// Seeds tenants and webhook channels from config/channels.json.
// Usage: go run ./scripts [-file config/channels.json]
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/driftdesk/driftdesk/pkg/json"
)

type seedChannel struct {
	ID                string `json:"id"`
	Platform          string `json:"platform"`
	PlatformChannelID string `json:"platform_channel_id"`
	DisplayName       string `json:"display_name"`
	VerifyToken       string `json:"verify_token"`
	AppSecret         string `json:"app_secret"`
	VerifySignatures  bool   `json:"verify_signatures"`
	Active            bool   `json:"active"`
}

type seedTenant struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Channels []seedChannel `json:"channels"`
}

func main() {
	file := flag.String("file", "config/channels.json", "seed file")
	flag.Parse()

	if err := run(*file); err != nil {
		fmt.Printf("[seed_channels][ERROR] %v\n", err)
		os.Exit(1)
	}
}

func run(file string) error {
	fmt.Println("[seed_channels] Starting channel seeding...")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL env var required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("[seed_channels] Reading %s...\n", file)
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var tenants []seedTenant
	if err := json.Unmarshal(data, &tenants); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	if len(tenants) == 0 {
		fmt.Println("[seed_channels][WARN] Seed file holds no tenants, nothing to do.")
		return nil
	}

	seeded := 0
	for _, t := range tenants {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO tenants (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Name); err != nil {
			return fmt.Errorf("failed to seed tenant %s: %w", t.Name, err)
		}
		for _, ch := range t.Channels {
			_, err := db.ExecContext(ctx, `
				INSERT INTO channels (id, tenant_id, platform, platform_channel_id, display_name,
					verify_token, app_secret, verify_signatures, active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (platform, platform_channel_id) DO UPDATE SET
					display_name = EXCLUDED.display_name,
					verify_token = EXCLUDED.verify_token,
					app_secret = EXCLUDED.app_secret,
					verify_signatures = EXCLUDED.verify_signatures,
					active = EXCLUDED.active`,
				ch.ID, t.ID, ch.Platform, ch.PlatformChannelID, ch.DisplayName,
				ch.VerifyToken, ch.AppSecret, ch.VerifySignatures, ch.Active)
			if err != nil {
				return fmt.Errorf("failed to seed channel %s/%s: %w", ch.Platform, ch.PlatformChannelID, err)
			}
			fmt.Printf("[seed_channels] Upserted %s/%s for tenant %s\n", ch.Platform, ch.PlatformChannelID, t.Name)
			seeded++
		}
	}
	fmt.Printf("[seed_channels] Done, %d channels seeded.\n", seeded)
	return nil
}
