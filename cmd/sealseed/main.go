// Command sealseed encrypts a custody wallet mnemonic for CUSTODY_MNEMONIC_BLOB.
// The mnemonic is read from stdin and the passphrase from CUSTODY_PASSPHRASE.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/suspectuso/ton-escrow/internal/custody"
)

func main() {
	_ = godotenv.Load()

	passphrase := os.Getenv("CUSTODY_PASSPHRASE")
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "CUSTODY_PASSPHRASE is required")
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "paste the 24-word mnemonic and press enter:")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(os.Stderr, "read mnemonic:", err)
		os.Exit(1)
	}
	words := strings.Fields(line)
	if len(words) != 24 {
		fmt.Fprintf(os.Stderr, "expected 24 words, got %d\n", len(words))
		os.Exit(1)
	}

	blob, err := custody.Seal([]byte(strings.Join(words, " ")), passphrase)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seal:", err)
		os.Exit(1)
	}
	fmt.Println(blob)
}
