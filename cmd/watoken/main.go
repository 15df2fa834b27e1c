// Command watoken mints operator bearer tokens for the wabridge API.
// The secret must match the server's OPERATOR_TOKEN_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"wabridge/internal/authz"
)

func main() {
	_ = godotenv.Load()

	var (
		sub    = flag.String("sub", "operator", "token subject")
		issuer = flag.String("issuer", envOr("OPERATOR_TOKEN_ISSUER", "wabridge"), "token issuer")
		secret = flag.String("secret", os.Getenv("OPERATOR_TOKEN_SECRET"), "signing secret")
		ttl    = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: no signing secret (set OPERATOR_TOKEN_SECRET or pass -secret)")
		os.Exit(2)
	}

	token, err := authz.Sign(*secret, *issuer, *sub, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
