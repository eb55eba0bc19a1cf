package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"blertbank/internal/logger"
	"blertbank/internal/service"

	"github.com/joho/godotenv"
)

// Prints an HS256 service token signed with JWT_SECRET
func main() {
	name := flag.String("service", "", "service name to put in the svc claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET not set")
	}
	if *name == "" {
		logger.Fatal("-service is required")
	}

	token, err := service.NewServiceAuth(nil, secret).Mint(*name, *ttl)
	if err != nil {
		logger.Fatal("mint token", "error", err)
	}
	fmt.Println(token)
}
