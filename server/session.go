package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payment session states. A session is one invoice: it settles at most once
// and redeems at most once.
const (
	StateCreated  = "created"
	StateAwaiting = "awaiting_payment"
	StateSettled  = "settled"
	StateRedeemed = "redeemed"
	StateExpired  = "expired"
)

// sweepInterval is how often expired sessions are collected.
const sweepInterval = 5 * time.Second

var (
	ErrSessionNotFound   = errors.New("unknown session")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionNotSettled = errors.New("session not settled")
	ErrAlreadyRedeemed   = errors.New("session already redeemed")
)

// Session is one outstanding invoice. All field access after creation goes
// through the session lock; transitions on a session are serialised.
type Session struct {
	lock sync.Mutex

	ID          string
	Address     string // inbox address the purchase covers
	Ops         string
	Amount      uint64 // satoshis
	Destination string // address the client pays
	PkScript    []byte // script form of Destination
	Created     time.Time
	Expires     time.Time

	state string
	txid  string // transaction that settled the session
}

// expireLocked lazily retires a session whose deadline has passed. Settled
// and redeemed sessions never expire. Session must be locked.
func (session *Session) expireLocked(now time.Time) {
	if session.state == StateCreated || session.state == StateAwaiting {
		if now.After(session.Expires) {
			session.state = StateExpired
			observeSession("expired")
		}
	}
}

// State returns the session state after a lazy expiry check.
func (session *Session) State() string {
	session.lock.Lock()
	defer session.lock.Unlock()
	session.expireLocked(time.Now())
	return session.state
}

// SessionStore holds outstanding payment sessions. The table lock only guards
// the map; state transitions take the per-session lock, so unrelated sessions
// never contend.
type SessionStore struct {
	lock     sync.RWMutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create allocates a session in StateCreated and returns it.
func (store *SessionStore) Create(address, ops, destination string, pkScript []byte, amount uint64, timeout time.Duration) *Session {
	now := time.Now()
	session := &Session{
		ID:          uuid.NewString(),
		Address:     address,
		Ops:         ops,
		Amount:      amount,
		Destination: destination,
		PkScript:    pkScript,
		Created:     now,
		Expires:     now.Add(timeout),
		state:       StateCreated,
	}

	store.lock.Lock()
	store.sessions[session.ID] = session
	store.lock.Unlock()

	return session
}

func (store *SessionStore) Get(id string) (*Session, bool) {
	store.lock.RLock()
	session, ok := store.sessions[id]
	store.lock.RUnlock()
	return session, ok
}

// MarkAwaiting moves a Created session to AwaitingPayment. No-op in any other
// state.
func (store *SessionStore) MarkAwaiting(id string) {
	session, ok := store.Get(id)
	if !ok {
		return
	}

	session.lock.Lock()
	defer session.lock.Unlock()
	session.expireLocked(time.Now())
	if session.state == StateCreated {
		session.state = StateAwaiting
	}
}

// Settle records that the session's destination has been paid in full by
// txid. Settle is idempotent: repeated signals for a settled or redeemed
// session succeed without effect, so duplicate payment notifications cannot
// double-issue. An expired session can never settle.
func (store *SessionStore) Settle(id, txid string) error {
	session, ok := store.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	session.lock.Lock()
	defer session.lock.Unlock()
	session.expireLocked(time.Now())

	switch session.state {
	case StateSettled, StateRedeemed:
		return nil
	case StateExpired:
		return ErrSessionExpired
	}

	session.state = StateSettled
	session.txid = txid
	observeSession("settled")
	return nil
}

// Redeem consumes a settled session. At most one Redeem call ever succeeds
// for a given session; concurrent attempts race for the session lock and the
// loser sees StateRedeemed.
func (store *SessionStore) Redeem(id string) (*Session, error) {
	session, ok := store.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	session.lock.Lock()
	defer session.lock.Unlock()
	session.expireLocked(time.Now())

	switch session.state {
	case StateRedeemed:
		return nil, ErrAlreadyRedeemed
	case StateExpired:
		return nil, ErrSessionExpired
	case StateCreated, StateAwaiting:
		return nil, ErrSessionNotSettled
	}

	session.state = StateRedeemed
	observeSession("redeemed")
	return session, nil
}

// Sweep retires sessions past their deadline and drops finished sessions
// that have lingered beyond a full payment timeout. A settled session that
// was never redeemed is kept redeemable for a token lifetime before it is
// dropped. The table lock is not held while individual sessions are
// examined.
func (store *SessionStore) Sweep(now time.Time) (expired int) {
	store.lock.RLock()
	snapshot := make([]*Session, 0, len(store.sessions))
	for _, session := range store.sessions {
		snapshot = append(snapshot, session)
	}
	store.lock.RUnlock()

	var drop []string
	for _, session := range snapshot {
		session.lock.Lock()
		wasExpired := session.state == StateExpired
		session.expireLocked(now)
		if session.state == StateExpired && !wasExpired {
			expired++
		}
		linger := paymentTimeout()
		finished := session.state == StateExpired || session.state == StateRedeemed
		if session.state == StateSettled {
			finished = true
			linger = tokenTTL()
		}
		if finished && now.After(session.Expires.Add(linger)) {
			drop = append(drop, session.ID)
		}
		session.lock.Unlock()
	}

	if len(drop) > 0 {
		store.lock.Lock()
		for _, id := range drop {
			delete(store.sessions, id)
		}
		store.lock.Unlock()
	}

	return expired
}

// Start runs the background sweep until ctx is cancelled.
func (store *SessionStore) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := store.Sweep(now); n > 0 {
					log.Println("expired", n, "payment sessions")
				}
			}
		}
	}()
}
