// Command tokengen prints PASETO v4.public access tokens for local testing.
//
// It signs with TASKLANE_PASETO_V4_SECRET_KEY_HEX (read from the environment or .env),
// so the tokens verify against a server sharing that key.
//
//	tokengen -genkey
//	tokengen -user alice
//	tokengen -user bot -perms chat.send
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/joho/godotenv"

	"tasklane/cmd/identity/ids"
	"tasklane/cmd/internal/auth/session"
)

func main() {
	var (
		userID = flag.String("user", "", "User ID to put in the uid claim")
		genKey = flag.Bool("genkey", false, "Print a fresh secret/public key pair and exit")
		perms  []string
		scoped bool
	)
	flag.Func("perms", "Comma-separated permissions (omit for defaults, empty for none)", func(v string) error {
		scoped = true
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				perms = append(perms, p)
			}
		}
		return nil
	})
	flag.Parse()

	if *genKey {
		sk := paseto.NewV4AsymmetricSecretKey()
		fmt.Printf("TASKLANE_PASETO_V4_SECRET_KEY_HEX=%s\n", sk.ExportHex())
		fmt.Printf("TASKLANE_PASETO_V4_PUBLIC_KEY_HEX=%s\n", sk.Public().ExportHex())
		return
	}

	if strings.TrimSpace(*userID) == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("auth config: %v", err)
	}
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}

	now := time.Now().UTC()
	sid, err := ids.NewULID(now)
	if err != nil {
		log.Fatal(err)
	}

	p := session.Principal{UserID: strings.TrimSpace(*userID), SessionID: sid}
	if scoped {
		// An explicit empty list is kept as-is and grants nothing.
		p.Permissions = append([]string{}, perms...)
	}

	tok, exp, err := tokens.Issue(p, now)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(tok)
}
