package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

const defaultSecretBytes = 32

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}
}

// Print a random hex secret usable as SECRET_KEY
func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("gensecret", pflag.ContinueOnError)
	n := fs.IntP("bytes", "b", defaultSecretBytes, "Random bytes in the secret (printed hex encoded)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Hex doubles the length, the printed secret must still pass the signing key check
	if *n*2 < tokencodec.MinSecretLen {
		return fmt.Errorf("need at least %d bytes", (tokencodec.MinSecretLen+1)/2)
	}

	secret, err := generate(*n)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, secret)
	return err
}

func generate(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
