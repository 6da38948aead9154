// Command vaultctl manages the local encrypted vault.
//
//	vaultctl put openai/api-key < key.txt
//	vaultctl grant synthesizer openai/api-key
//	vaultctl revoke synthesizer openai/api-key
//	vaultctl delete openai/api-key
//
// The passphrase comes from VAULT_PASSPHRASE (or .env), never from a flag.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sakif/vulnproof/internal/vault/sqlite"
)

const usage = `usage: vaultctl [-db path] <command> [args]

commands:
  put <ref>            store the secret read from stdin
  delete <ref>         remove a secret and its grants
  grant <role> <ref>   allow role to read ref
  revoke <role> <ref>  withdraw a grant
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "reading .env:", err)
		os.Exit(1)
	}
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { fmt.Fprint(stderr, usage) }
	dbPath := flags.String("db", envOr("VAULT_SQLITE_PATH", "data/vault.db"), "vault database path")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return 2
	}
	arity := map[string]int{"put": 1, "delete": 1, "grant": 2, "revoke": 2}
	n, ok := arity[rest[0]]
	if !ok || len(rest)-1 != n {
		flags.Usage()
		return 2
	}

	passphrase := os.Getenv("VAULT_PASSPHRASE")
	if passphrase == "" {
		fmt.Fprintln(stderr, "VAULT_PASSPHRASE is not set")
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o700); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	db, err := sqlite.New(*dbPath, passphrase)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer db.Close()

	switch rest[0] {
	case "put":
		var secret string
		if secret, err = readSecret(stdin); err == nil {
			err = db.PutSecret(ctx, rest[1], secret)
		}
	case "delete":
		err = db.DeleteSecret(ctx, rest[1])
	case "grant":
		err = db.Grant(ctx, rest[1], rest[2])
	case "revoke":
		err = db.Revoke(ctx, rest[1], rest[2])
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "%s: ok\n", rest[0])
	return 0
}

// readSecret takes the first line of stdin without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("secret on stdin is empty")
	}
	return secret, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
