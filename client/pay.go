package client

import (
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"time"
)

// CmdInvoice buys access to an inbox: opens a payment session on the server
// and prints the invoice to pay. The session is remembered so `relay redeem`
// knows which address the token is for.
func CmdInvoice(config *Config, endpoint *Endpoint, args []string) error {
	flags := flag.NewFlagSet("invoice", flag.ContinueOnError)
	ops := flags.String("ops", "*", `operations the token should cover: "push", "pull" or "*"`)
	if err := flags.Parse(args); err != nil {
		return err
	}

	args = flags.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: relay invoice <address>")
	}
	address := args[0]

	invoice, err := endpoint.Invoice(address, *ops)
	if err != nil {
		return err
	}

	config.Sessions[invoice.Session] = invoice.Address

	fmt.Println("session:    ", invoice.Session)
	fmt.Println("pay:        ", invoice.Amount, "satoshis")
	fmt.Println("to:         ", invoice.Destination)
	fmt.Println("expires:    ", time.UnixMilli(invoice.Expires).Local().Format("2006-01-02 15:04:05"))
	fmt.Println()
	fmt.Println("then: relay pay", invoice.Session, "<tx-file>  (or pay out of band)")
	fmt.Println("and:  relay redeem", invoice.Session)

	return nil
}

// CmdPay submits the payment transaction for a session. The file contains
// the raw transaction in hex.
func CmdPay(endpoint *Endpoint, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: relay pay <session> <tx-file>")
	}

	contents, err := readInput(args, 1)
	if err != nil {
		return err
	}

	rawTx, err := hex.DecodeString(strings.TrimSpace(string(contents)))
	if err != nil {
		return fmt.Errorf("transaction file is not hex: %w", err)
	}

	ack, err := endpoint.Pay(args[0], rawTx)
	if err != nil {
		return err
	}

	fmt.Println("payment accepted:", ack.TxID)
	return nil
}

// CmdRedeem exchanges a settled session for a POP token and stores it for
// later pushes and pulls.
func CmdRedeem(config *Config, endpoint *Endpoint, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: relay redeem <session>")
	}
	session := args[0]

	token, err := endpoint.Redeem(session)
	if err != nil {
		return err
	}

	address, ok := config.Sessions[session]
	if !ok {
		fmt.Println("token (no address on file, keep it yourself):", token.Token)
		return nil
	}

	config.Tokens[address] = &StoredToken{
		Token:   token.Token,
		Expires: token.Expires,
	}
	delete(config.Sessions, session)

	fmt.Println("token stored for", address,
		"until", time.UnixMilli(token.Expires).Local().Format("2006-01-02 15:04:05"))
	return nil
}
