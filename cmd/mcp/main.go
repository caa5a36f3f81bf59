// Command mcp serves the tradehold admin console as MCP tools over stdio.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/mcpserver"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("TRADEHOLD_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("TRADEHOLD_ADMIN_TOKEN"),
	}

	// Mint a short-lived admin token when sharing the server's secret.
	if cfg.Token == "" {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "TRADEHOLD_ADMIN_TOKEN or JWT_SECRET is required")
			os.Exit(1)
		}
		token, err := auth.NewIssuer(secret, 12*time.Hour).Issue(auth.Actor{
			ID:   envOrDefault("TRADEHOLD_ADMIN_ID", "mcp-admin"),
			Role: auth.RoleAdmin,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue admin token: %v\n", err)
			os.Exit(1)
		}
		cfg.Token = token
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
