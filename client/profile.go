package client

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// CmdProfile sets or fetches an address profile. With a file argument the
// profile is uploaded (gated like a push); without one it is printed.
func CmdProfile(config *Config, endpoint *Endpoint, args []string) error {
	flags := flag.NewFlagSet("profile", flag.ContinueOnError)
	stampFile := flags.String("stamp", "", "file with the stamp transaction (hex)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	args = flags.Args()
	if len(args) < 1 {
		return fmt.Errorf("usage: relay profile <address> [file]")
	}
	address := args[0]

	// Fetch.
	if len(args) == 1 && *stampFile == "" {
		blob, err := endpoint.GetProfile(address)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(blob)
		return err
	}

	// Upload.
	blob, err := readInput(args, 1)
	if err != nil {
		return err
	}

	var stampTx string
	if *stampFile != "" {
		contents, err := os.ReadFile(*stampFile)
		if err != nil {
			return err
		}
		stampTx = strings.TrimSpace(string(contents))
	}

	if err = endpoint.PutProfile(address, blob, config.Token(address), stampTx); err != nil {
		return err
	}

	fmt.Println("profile updated for", address)
	return nil
}
