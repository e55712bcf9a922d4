package client

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/commandquery/relay"
)

func Main(args []string) {
	var store string
	var err error

	flags := flag.NewFlagSet("relay", flag.ContinueOnError)
	flags.StringVar(&store, "f", GetStoreLocation(), "path to client configuration")
	if err := flags.Parse(os.Args[1:]); err != nil {
		relay.Exit(1, err)
	}

	config, err := LoadConfig(store)
	if err != nil {
		relay.Exit(1, err)
	}

	if flags.NArg() == 0 {
		relay.Usage()
	}

	command := flags.Args()[0]
	args = flags.Args()[1:]

	if config.Server == "" && command != "set" {
		fmt.Fprintln(os.Stderr, "please set a relay server first:")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "    relay set server=http://relay.example.com:8080")
		os.Exit(1)
	}

	endpoint := &Endpoint{URL: config.Server}

	switch command {
	case "key":
		err = CmdKey(endpoint)

	case "invoice":
		err = CmdInvoice(config, endpoint, args)
		if err == nil {
			err = config.Save()
		}

	case "pay":
		err = CmdPay(endpoint, args)

	case "redeem":
		err = CmdRedeem(config, endpoint, args)
		if err == nil {
			err = config.Save()
		}

	case "push":
		err = CmdPush(config, endpoint, args)

	case "pull":
		err = CmdPull(config, endpoint, args)

	case "get":
		err = CmdGet(config, endpoint, args)

	case "profile":
		err = CmdProfile(config, endpoint, args)

	case "set":
		if len(args) != 1 {
			relay.Usage()
		}

		err = config.Set(args[0])
		if err == nil {
			err = config.Save()
		}

	case "help", "--help", "-h":
		relay.Usage()

	default:
		relay.Usage()
	}

	if err == nil {
		os.Exit(0)
	}

	relay.Exit(1, err)
}

func CmdKey(endpoint *Endpoint) error {
	key, err := endpoint.PublicKey()
	if err != nil {
		return err
	}

	fmt.Println(key)
	return nil
}

// readInput reads a byte slice from a file or stdin.
// If the filename is outside the array, read from stdin.
func readInput(args []string, arg int) ([]byte, error) {
	if len(args) > arg {
		return os.ReadFile(args[arg])
	}

	return io.ReadAll(os.Stdin)
}
