// Command staffjwt mints a staff access token for calling the carepass API.
//
// It derives the same staff key the service does, so it must see the same SECRET_KEY.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/carepass/internal/service/staffauth"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

func main() {
	if err := run(os.Getenv, os.Getwd, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error while minting staff token: %v\n", err)
		os.Exit(1)
	}
}

func run(getenv func(string) string, getwd func() (string, error), args []string, out io.Writer) error {
	secret, err := loadSecret(getenv, getwd)
	if err != nil {
		return err
	}

	fs := pflag.NewFlagSet("staffjwt", pflag.ContinueOnError)
	fs.StringVarP(&secret, "secret-key", "s", secret, "Secret key, SECRET_KEY if not set")
	actor := fs.StringP("actor", "u", "", "Staff member id, becomes the token subject")
	ttl := fs.DurationP("ttl", "t", 12*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *actor == "" {
		return errors.New("--actor is required")
	}

	key, err := tokencodec.NewSigningKey(secret)
	if err != nil {
		return err
	}
	manager, err := staffauth.New(staffauth.Config{Key: key.Staff()})
	if err != nil {
		return err
	}

	access, expiresAt, err := manager.Mint(*actor, *ttl)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s\n# expires at %s\n", access, expiresAt.UTC().Format(time.RFC3339))
	return err
}

// Environment wins over '.env' the same way it does for the service
func loadSecret(getenv func(string) string, getwd func() (string, error)) (string, error) {
	if secret := getenv("SECRET_KEY"); secret != "" {
		return secret, nil
	}

	wd, err := getwd()
	if err != nil {
		return "", err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))
	switch {
	case err == nil:
		return envMap["SECRET_KEY"], nil
	case errors.Is(err, os.ErrNotExist):
		return "", nil
	default:
		return "", err
	}
}
