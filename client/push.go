package client

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// CmdPush sends a message to an inbox. A stored POP token for the address is
// used when there is one; otherwise a stamp transaction can be attached with
// -stamp. With neither, the server's invoice is printed.
func CmdPush(config *Config, endpoint *Endpoint, args []string) error {
	flags := flag.NewFlagSet("push", flag.ContinueOnError)
	stampFile := flags.String("stamp", "", "file with the stamp transaction (hex)")
	sender := flags.String("sender", "", "sender reference stored with the message")
	if err := flags.Parse(args); err != nil {
		return err
	}

	args = flags.Args()
	if len(args) < 1 {
		return fmt.Errorf("usage: relay push <address> [file]")
	}
	address := args[0]

	payload, err := readInput(args, 1)
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

	resp, err := endpoint.Push(address, *sender, payload, config.Token(address), stampTx)

	var payment *ErrPaymentRequired
	if errors.As(err, &payment) {
		config.Sessions[payment.Invoice.Session] = payment.Invoice.Address
		_ = config.Save()

		fmt.Println("payment required:")
		fmt.Println("  session:", payment.Invoice.Session)
		fmt.Println("  pay:    ", payment.Invoice.Amount, "satoshis to", payment.Invoice.Destination)
		fmt.Println("  expires:", time.UnixMilli(payment.Invoice.Expires).Local().Format("15:04:05"))
		return fmt.Errorf("pay and redeem, then push again")
	}
	if err != nil {
		return err
	}

	fmt.Println("pushed!", resp.Digest[:8])
	return nil
}

// CmdPull lists the messages in an inbox.
func CmdPull(config *Config, endpoint *Endpoint, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: relay pull <address>")
	}
	address := args[0]

	page, err := endpoint.Pull(address, config.Token(address))
	if err != nil {
		return err
	}

	if len(page.Messages) == 0 {
		fmt.Println("No messages")
		return nil
	}

	fmt.Printf("%-8s  %10s  %-19s  %-s\n", "Digest", "Size", "Received", "Sender")
	for _, msg := range page.Messages {
		ts := time.UnixMilli(msg.Timestamp).Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%8s  %10d  %19s  %s\n", msg.Digest[:8], len(msg.Payload), ts, msg.Sender)
	}

	return nil
}

// CmdGet fetches one message by digest and writes its payload to stdout.
func CmdGet(config *Config, endpoint *Endpoint, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: relay get <address> <digest>")
	}
	address := args[0]

	message, err := endpoint.Get(address, args[1], config.Token(address))
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(message.Payload)
	return err
}
