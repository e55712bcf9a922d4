package main

import (
	"os"

	"github.com/commandquery/relay"
	"github.com/commandquery/relay/client"
	"github.com/commandquery/relay/server"
)

func main() {

	args := os.Args

	if len(args) == 1 {
		// --help, or anything else.
		relay.Usage()
	}

	if args[1] == "server" {
		relay.Exit(0, server.StartServer())
	}

	client.Main(args)
}
