// Piscis-token mints a bearer token for local testing.
//
//	PISCIS_JWT_SECRET=... piscis-token -sub op1 -role operador
//
// The secret and issuer default to PISCIS_JWT_SECRET and PISCIS_JWT_ISSUER so
// the token matches a server started from the same environment.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/acuicola/piscis/common/environment"
	"github.com/acuicola/piscis/internal/piscis/auth"
	"github.com/acuicola/piscis/internal/piscis/store"
)

func main() {
	var (
		sub    = flag.String("sub", "", "actor ID (token subject)")
		email  = flag.String("email", "", "actor e-mail")
		role   = flag.String("role", store.RoleOperator, "role: admin or operador")
		ttl    = flag.Duration("ttl", environment.DurationOr("PISCIS_TOKEN_TTL", 8*time.Hour), "token lifetime")
		issuer = flag.String("issuer", environment.StringOr("PISCIS_JWT_ISSUER", "piscis"), "token issuer")
	)
	flag.Parse()

	if *sub == "" {
		fmt.Fprintln(os.Stderr, "Error: -sub is required")
		flag.Usage()
		os.Exit(2)
	}
	secret, err := environment.Required("PISCIS_JWT_SECRET")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewJWTService(secret, *issuer).
		GenerateAccessToken(auth.Actor{ID: *sub, Email: *email, Role: *role}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
