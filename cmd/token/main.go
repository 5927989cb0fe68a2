// Command token mints a signed session token for local development, so
// the API can be exercised with curl without a running auth service.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/askarov/taskpilot/internal/auth"
	"github.com/askarov/taskpilot/pkg/config"
)

func main() {
	userID := flag.String("user", "", "user id to mint a token for")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-ttl 24h]")
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	verifier := auth.NewHMACVerifier(cfg.Auth.SessionSecret)
	fmt.Println(verifier.Issue(*userID, *ttl))
}
