package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commandquery/relay"
)

// RelayServer ties the admission core to the HTTP surface and the durable
// store.
type RelayServer struct {
	wallet    *Wallet
	store     *Store
	sessions  *SessionStore
	admission *Admission
	params    *chaincfg.Params
}

// newRelayServer assembles a server from the process configuration. The
// wallet is created on first run, like any other key material we own.
func newRelayServer() (*RelayServer, error) {
	params, err := networkParams()
	if err != nil {
		return nil, err
	}

	wallet, err := LoadWallet(Config.WalletPath, params)
	if errors.Is(err, os.ErrNotExist) {
		wallet = NewWallet(Config.WalletPath, params)
		if err = wallet.Save(); err != nil {
			return nil, fmt.Errorf("failed to init wallet: %w", err)
		}
		log.Println("created wallet", Config.WalletPath)
	} else if err != nil {
		return nil, err
	}
	wallet.params = params

	secret := wallet.Secret
	if Config.Secret != "" {
		secret = []byte(Config.Secret)
	}

	store, err := OpenStore(Config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	node := NewNodeClient(Config.RPCAddr, Config.RPCUser, Config.RPCPassword)
	sessions := NewSessionStore()
	codec := NewTokenCodec(secret)
	stamps := &StampVerifier{Node: node}

	return &RelayServer{
		wallet:    wallet,
		store:     store,
		sessions:  sessions,
		admission: NewAdmission(codec, stamps, sessions, wallet, node),
		params:    params,
	}, nil
}

// Handler returns the full route table.
func (server *RelayServer) Handler() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", instrument("index", server.handleIndex))
	mux.HandleFunc("GET /publickey", instrument("publickey", server.handlePublicKey))
	mux.HandleFunc("POST /messages/{address}", instrument("messages", server.handlePush))
	mux.HandleFunc("GET /messages/{address}", instrument("messages", server.handlePull))
	mux.HandleFunc("PUT /profile/{address}", instrument("profiles", server.handlePutProfile))
	mux.HandleFunc("GET /profile/{address}", instrument("profiles", server.handleGetProfile))
	mux.HandleFunc("POST /invoice/{address}", instrument("payments", server.handleInvoice))
	mux.HandleFunc("POST /payments/{session}", instrument("payments", server.handlePayment))
	mux.HandleFunc("POST /redeem/{session}", instrument("payments", server.handleRedeem))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func StartServer() error {
	if err := initConfig(); err != nil {
		return err
	}

	server, err := newRelayServer()
	if err != nil {
		return err
	}
	defer server.store.Close()

	server.sessions.Start(context.Background())

	log.Println("listening on", Config.Bind)
	return http.ListenAndServe(Config.Bind, server.Handler())
}

// rejectStatus maps a reject code onto its HTTP status.
func rejectStatus(code string) int {
	switch code {
	case relay.RejectLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case relay.RejectVerificationUnavailable:
		return http.StatusServiceUnavailable
	case relay.RejectInvalidToken, relay.RejectTokenExpired:
		return http.StatusUnauthorized
	case relay.RejectInsufficientPayment, relay.RejectSessionExpired, relay.RejectSessionNotSettled:
		return http.StatusPaymentRequired
	case relay.RejectAlreadyRedeemed:
		return http.StatusConflict
	case relay.RejectNotFound:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeReject(w http.ResponseWriter, code, reason string) {
	writeJSON(w, rejectStatus(code), relay.Reject{Code: code, Reason: reason})
}

// writeVerdict handles the two failure arms of an admission verdict.
// Returns true if the caller may proceed.
func writeVerdict(w http.ResponseWriter, verdict Verdict) bool {
	if verdict.Admit {
		return true
	}
	if verdict.Invoice != nil {
		writeJSON(w, http.StatusPaymentRequired, verdict.Invoice)
		return false
	}
	writeReject(w, verdict.Code, verdict.Reason)
	return false
}

// decodeAddress validates an inbox address for the configured network and
// returns its hash160 payload.
func (server *RelayServer) decodeAddress(addrStr string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(addrStr, server.params)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(server.params) {
		return nil, fmt.Errorf("address %s is not valid for %s", addrStr, Config.Network)
	}
	return addr.ScriptAddress(), nil
}

// proofFromRequest extracts the claimed admission proof, if any: a POP token
// from the Authorization header, or a hex stamp transaction from X-Stamp.
func proofFromRequest(r *http.Request) (Proof, error) {
	var proof Proof

	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := splitAuth(auth)
		if !ok || scheme != TokenScheme {
			return proof, errors.New("unsupported authorization scheme")
		}
		proof.Token = token
		return proof, nil
	}

	if stamp := r.Header.Get("X-Stamp"); stamp != "" {
		rawTx, err := hex.DecodeString(stamp)
		if err != nil {
			return proof, fmt.Errorf("invalid stamp encoding: %w", err)
		}
		proof.StampTx = rawTx
	}

	return proof, nil
}

func splitAuth(auth string) (scheme, value string, ok bool) {
	for i := 0; i < len(auth); i++ {
		if auth[i] == ' ' {
			return auth[:i], auth[i+1:], true
		}
	}
	return "", "", false
}

func (server *RelayServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "relay %s network\n", Config.Network)
}

func (server *RelayServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, server.wallet.PubKeyHex())
}

func (server *RelayServer) handlePush(w http.ResponseWriter, r *http.Request) {
	addrStr := r.PathValue("address")
	recipient, err := server.decodeAddress(addrStr)
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	// Cheap rejection first: the ceiling is checked before any proof is
	// examined.
	if r.ContentLength > Config.MessageSize {
		writeReject(w, relay.RejectLimitExceeded, fmt.Sprintf("message exceeds %d bytes", Config.MessageSize))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, Config.MessageSize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeReject(w, relay.RejectLimitExceeded, err.Error())
		return
	}
	if len(payload) == 0 {
		writeReject(w, relay.RejectMalformedInput, "empty payload")
		return
	}

	proof, err := proofFromRequest(r)
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	verdict := server.admission.Decide(r.Context(), OpPush, addrStr, recipient, int64(len(payload)), proof)
	if !writeVerdict(w, verdict) {
		return
	}

	digest := sha256.Sum256(payload)
	message := relay.Message{
		ID:        uuid.New(),
		Sender:    r.Header.Get("X-Sender"),
		Timestamp: time.Now().UnixMilli(),
		Digest:    hex.EncodeToString(digest[:]),
		Stamp:     verdict.StampTxID,
		Payload:   payload,
	}

	raw, err := json.Marshal(message)
	if err != nil {
		writeReject(w, relay.RejectVerificationUnavailable, err.Error())
		return
	}

	if err = server.store.PushMessage(recipient, uint64(message.Timestamp), digest[:], raw); err != nil {
		log.Println("unable to store message:", err)
		writeReject(w, relay.RejectVerificationUnavailable, "store failure")
		return
	}

	log.Println("pushed message", message.ID, "to", addrStr)
	writeJSON(w, http.StatusOK, relay.PushResponse{ID: message.ID, Digest: message.Digest})
}

func (server *RelayServer) handlePull(w http.ResponseWriter, r *http.Request) {
	addrStr := r.PathValue("address")
	recipient, err := server.decodeAddress(addrStr)
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	if !Config.FreePull {
		proof, err := proofFromRequest(r)
		if err != nil {
			writeReject(w, relay.RejectMalformedInput, err.Error())
			return
		}

		verdict := server.admission.Decide(r.Context(), OpPull, addrStr, recipient, 0, proof)
		if !writeVerdict(w, verdict) {
			return
		}
	}

	query := r.URL.Query()

	// Single message by digest.
	if digestHex := query.Get("digest"); digestHex != "" {
		digest, err := hex.DecodeString(digestHex)
		if err != nil || len(digest) < digestKeyLen {
			writeReject(w, relay.RejectMalformedInput, "invalid digest")
			return
		}
		raw, err := server.store.MessageByDigest(recipient, digest)
		if errors.Is(err, ErrNotFound) {
			writeReject(w, relay.RejectNotFound, "unknown message")
			return
		}
		if err != nil {
			writeReject(w, relay.RejectVerificationUnavailable, "store failure")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}

	start, err := parseMillis(query.Get("start"))
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, "invalid start")
		return
	}
	end, err := parseMillis(query.Get("end"))
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, "invalid end")
		return
	}

	raws, err := server.store.MessagesRange(recipient, start, end)
	if err != nil {
		log.Println("unable to read inbox:", err)
		writeReject(w, relay.RejectVerificationUnavailable, "store failure")
		return
	}

	page := relay.MessagePage{Messages: make([]relay.Message, 0, len(raws))}
	for _, raw := range raws {
		var message relay.Message
		if err = json.Unmarshal(raw, &message); err != nil {
			log.Println("corrupt message skipped:", err)
			continue
		}
		page.Messages = append(page.Messages, message)
	}

	writeJSON(w, http.StatusOK, page)
}

func parseMillis(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

func (server *RelayServer) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	addrStr := r.PathValue("address")
	recipient, err := server.decodeAddress(addrStr)
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	if r.ContentLength > Config.ProfileSize {
		writeReject(w, relay.RejectLimitExceeded, fmt.Sprintf("profile exceeds %d bytes", Config.ProfileSize))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, Config.ProfileSize)
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		writeReject(w, relay.RejectLimitExceeded, err.Error())
		return
	}

	proof, err := proofFromRequest(r)
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	verdict := server.admission.Decide(r.Context(), OpPush, addrStr, recipient, int64(len(blob)), proof)
	if !writeVerdict(w, verdict) {
		return
	}

	if err = server.store.PutProfile(recipient, blob); err != nil {
		log.Println("unable to store profile:", err)
		writeReject(w, relay.RejectVerificationUnavailable, "store failure")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (server *RelayServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	recipient, err := server.decodeAddress(r.PathValue("address"))
	if err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	blob, err := server.store.GetProfile(recipient)
	if errors.Is(err, ErrNotFound) {
		writeReject(w, relay.RejectNotFound, "no profile")
		return
	}
	if err != nil {
		writeReject(w, relay.RejectVerificationUnavailable, "store failure")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

func (server *RelayServer) handleInvoice(w http.ResponseWriter, r *http.Request) {
	addrStr := r.PathValue("address")
	if _, err := server.decodeAddress(addrStr); err != nil {
		writeReject(w, relay.RejectMalformedInput, err.Error())
		return
	}

	ops := r.URL.Query().Get("ops")
	if ops == "" {
		ops = "*"
	}
	if ops != "*" && ops != string(OpPush) && ops != string(OpPull) {
		writeReject(w, relay.RejectMalformedInput, "invalid ops")
		return
	}

	invoice, err := server.admission.NewInvoice(addrStr, ops)
	if err != nil {
		writeReject(w, relay.RejectVerificationUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, invoice)
}

func (server *RelayServer) handlePayment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	if r.ContentLength > Config.PaymentSize {
		writeReject(w, relay.RejectLimitExceeded, fmt.Sprintf("payment exceeds %d bytes", Config.PaymentSize))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, Config.PaymentSize)
	rawTx, err := io.ReadAll(r.Body)
	if err != nil {
		writeReject(w, relay.RejectLimitExceeded, err.Error())
		return
	}

	txid, err := server.admission.SubmitPayment(r.Context(), sessionID, rawTx)
	if err != nil {
		writeReject(w, paymentRejectCode(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, relay.PaymentAck{Session: sessionID, TxID: txid, State: StateSettled})
}

func (server *RelayServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	token, expires, err := server.admission.Redeem(r.Context(), sessionID)
	if err != nil {
		writeReject(w, paymentRejectCode(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, relay.TokenResponse{Token: token, Expires: expires})
}

// paymentRejectCode maps session and payment errors onto reject codes.
func paymentRejectCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return relay.RejectNotFound
	case errors.Is(err, ErrSessionExpired):
		return relay.RejectSessionExpired
	case errors.Is(err, ErrSessionNotSettled):
		return relay.RejectSessionNotSettled
	case errors.Is(err, ErrAlreadyRedeemed):
		return relay.RejectAlreadyRedeemed
	case errors.Is(err, ErrStampMalformed):
		return relay.RejectMalformedInput
	case errors.Is(err, ErrInsufficientStamp), errors.Is(err, ErrStampRejected):
		return relay.RejectInsufficientPayment
	case errors.Is(err, ErrNodeUnavailable):
		return relay.RejectVerificationUnavailable
	}
	return relay.RejectVerificationUnavailable
}
