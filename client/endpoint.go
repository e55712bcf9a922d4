package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/commandquery/relay"
)

// Endpoint represents a relay server as seen from a client.
type Endpoint struct {
	URL string
}

// ErrPaymentRequired is returned when the server answers 402 with an
// invoice. The caller decides whether to present it to the user.
type ErrPaymentRequired struct {
	Invoice relay.Invoice
}

func (e *ErrPaymentRequired) Error() string {
	return fmt.Sprintf("payment required: %d satoshis to %s (session %s)",
		e.Invoice.Amount, e.Invoice.Destination, e.Invoice.Session)
}

func (endpoint *Endpoint) join(elem ...string) (string, error) {
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return u.String(), nil
}

// do runs a request and decodes the common failure shapes: a 402 invoice or
// a JSON reject body.
func (endpoint *Endpoint) do(req *http.Request, token string) (*http.Response, error) {
	if token != "" {
		req.Header.Set("Authorization", "POP "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to contact server: %w", err)
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		defer resp.Body.Close()

		var invoice relay.Invoice
		body, _ := io.ReadAll(resp.Body)
		if err = json.Unmarshal(body, &invoice); err == nil && invoice.Session != "" {
			return nil, &ErrPaymentRequired{Invoice: invoice}
		}

		var reject relay.Reject
		if err = json.Unmarshal(body, &reject); err == nil && reject.Code != "" {
			return nil, fmt.Errorf("%s: %s", reject.Code, reject.Reason)
		}

		return nil, fmt.Errorf("payment required: %s", strings.TrimSpace(string(body)))
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		var reject relay.Reject
		if err = json.Unmarshal(body, &reject); err == nil && reject.Code != "" {
			return nil, fmt.Errorf("%s: %s", reject.Code, reject.Reason)
		}
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, body)
	}

	return resp, nil
}

// PublicKey fetches the relay's public key.
func (endpoint *Endpoint) PublicKey() (string, error) {
	u, err := endpoint.join("publickey")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return "", err
	}

	resp, err := endpoint.do(req, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	key, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(key)), nil
}

// Invoice buys access to an inbox: opens a payment session and returns the
// invoice to pay.
func (endpoint *Endpoint) Invoice(address, ops string) (*relay.Invoice, error) {
	u, err := endpoint.join("invoice", url.PathEscape(address))
	if err != nil {
		return nil, err
	}
	if ops != "" {
		u += "?ops=" + url.QueryEscape(ops)
	}

	req, err := http.NewRequest("POST", u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := endpoint.do(req, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var invoice relay.Invoice
	if err = json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, fmt.Errorf("unable to decode invoice: %w", err)
	}

	return &invoice, nil
}

// Pay submits a raw payment transaction for a session.
func (endpoint *Endpoint) Pay(session string, rawTx []byte) (*relay.PaymentAck, error) {
	u, err := endpoint.join("payments", url.PathEscape(session))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", u, bytes.NewReader(rawTx))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := endpoint.do(req, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ack relay.PaymentAck
	if err = json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("unable to decode payment ack: %w", err)
	}

	return &ack, nil
}

// Redeem exchanges a settled session for a POP token.
func (endpoint *Endpoint) Redeem(session string) (*relay.TokenResponse, error) {
	u, err := endpoint.join("redeem", url.PathEscape(session))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := endpoint.do(req, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var token relay.TokenResponse
	if err = json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("unable to decode token: %w", err)
	}

	return &token, nil
}

// Push sends an encrypted payload to an inbox. Exactly one of token or
// stampTx authorises the write; with neither, the server responds with an
// invoice (surfaced as ErrPaymentRequired).
func (endpoint *Endpoint) Push(address, sender string, payload []byte, token, stampTx string) (*relay.PushResponse, error) {
	u, err := endpoint.join("messages", url.PathEscape(address))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if sender != "" {
		req.Header.Set("X-Sender", sender)
	}
	if stampTx != "" {
		req.Header.Set("X-Stamp", stampTx)
	}

	resp, err := endpoint.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var push relay.PushResponse
	if err = json.NewDecoder(resp.Body).Decode(&push); err != nil {
		return nil, fmt.Errorf("unable to decode push response: %w", err)
	}

	return &push, nil
}

// Pull lists the messages in an inbox.
func (endpoint *Endpoint) Pull(address, token string) (*relay.MessagePage, error) {
	u, err := endpoint.join("messages", url.PathEscape(address))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := endpoint.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page relay.MessagePage
	if err = json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("unable to parse inbox: %w", err)
	}

	return &page, nil
}

// Get fetches a single message by its payload digest.
func (endpoint *Endpoint) Get(address, digest, token string) (*relay.Message, error) {
	u, err := endpoint.join("messages", url.PathEscape(address))
	if err != nil {
		return nil, err
	}
	u += "?digest=" + url.QueryEscape(digest)

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := endpoint.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var message relay.Message
	if err = json.NewDecoder(resp.Body).Decode(&message); err != nil {
		return nil, fmt.Errorf("unable to decode message: %w", err)
	}

	return &message, nil
}

// PutProfile uploads a profile blob for an address.
func (endpoint *Endpoint) PutProfile(address string, blob []byte, token, stampTx string) error {
	u, err := endpoint.join("profile", url.PathEscape(address))
	if err != nil {
		return err
	}

	req, err := http.NewRequest("PUT", u, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if stampTx != "" {
		req.Header.Set("X-Stamp", stampTx)
	}

	resp, err := endpoint.do(req, token)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetProfile fetches the profile blob for an address.
func (endpoint *Endpoint) GetProfile(address string) ([]byte, error) {
	u, err := endpoint.join("profile", url.PathEscape(address))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := endpoint.do(req, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
