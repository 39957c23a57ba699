// Command token mints a signed access token for local testing.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"rpportal/internal/config"
	"rpportal/internal/middleware"

	"github.com/google/uuid"
)

func main() {
	userFlag := flag.String("user", "", "User UUID (random when empty)")
	role := flag.String("role", "member", "Role claim, e.g. member or reviewer")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	userID := uuid.New()
	if *userFlag != "" {
		if userID, err = uuid.Parse(*userFlag); err != nil {
			log.Fatalf("Invalid user id %q: %v", *userFlag, err)
		}
	}

	tok, err := middleware.SignToken(cfg.JWTSecret, cfg.JWTAudience, userID, *role, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(tok)
}
