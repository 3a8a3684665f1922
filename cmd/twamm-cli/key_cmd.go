package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"twamm/cmd/internal/passphrase"
	"twamm/crypto"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygenCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "keystore file to create")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		fmt.Fprintln(stderr, "Usage: twamm-cli keygen --out <file> [--force]")
		return 1
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: %s already exists; pass --force to overwrite\n", path)
		return 1
	}
	secret, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error generating key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		fmt.Fprintf(stderr, "Error writing keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "address: %s\n", key.PubKey().Address())
	fmt.Fprintf(stdout, "keystore: %s\n", path)
	return 0
}

func runAddressCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keyPath := fs.String("key", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*keyPath) == "" {
		fmt.Fprintln(stderr, "Usage: twamm-cli address --key <file>")
		return 1
	}
	owner, err := resolveOwner("", *keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, owner)
	return 0
}

// ownerFlags registers --from and --key on fs.
func ownerFlags(fs *flag.FlagSet) (from, key *string) {
	from = fs.String("from", "", "owner address")
	key = fs.String("key", "", "keystore holding the owner key")
	return from, key
}

// resolveOwner returns the caller address from --from, or from the keystore
// when --key is given.
func resolveOwner(from, keyPath string) (string, error) {
	from = strings.TrimSpace(from)
	keyPath = strings.TrimSpace(keyPath)
	switch {
	case from != "" && keyPath != "":
		return "", errors.New("--from and --key are mutually exclusive")
	case from != "":
		addr, err := crypto.ParseTrader(from)
		if err != nil {
			return "", err
		}
		return addr.String(), nil
	case keyPath != "":
		secret, err := passphrase.NewSource(passphraseEnv).Get()
		if err != nil {
			return "", err
		}
		addr, err := crypto.KeystoreAddress(keyPath, secret)
		if err != nil {
			return "", fmt.Errorf("open keystore %s: %w", keyPath, err)
		}
		return addr.String(), nil
	default:
		return "", errors.New("--from or --key is required")
	}
}
