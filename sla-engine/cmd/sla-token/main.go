// Command sla-token mints an HS256 bearer token accepted by the SLA engine
// API, for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/auth"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	secret := flag.String("secret", os.Getenv("SLA_ENGINE_JWT_SECRET"), "HS256 signing secret")
	issuer := flag.String("issuer", os.Getenv("SLA_ENGINE_JWT_ISSUER"), "token issuer (iss)")
	subject := flag.String("sub", "", "user id (sub)")
	tenant := flag.String("tenant", "", "tenant id (tenant_id claim)")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	out := flag.String("out", "", "write the token to this file instead of stdout")
	flag.Parse()

	if *secret == "" {
		must(fmt.Errorf("-secret or SLA_ENGINE_JWT_SECRET required"))
	}
	if *subject == "" || *tenant == "" {
		must(fmt.Errorf("-sub and -tenant required"))
	}

	now := time.Now()
	token, err := auth.NewVerifier(*secret, *issuer).Sign(auth.Principal{Subject: *subject, TenantID: *tenant}, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(*expSecs) * time.Second)),
	})
	must(err)

	if *out == "" {
		fmt.Println(token)
		return
	}
	must(os.WriteFile(*out, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (sub=%s tenant=%s)\n", *out, *subject, *tenant)
}
