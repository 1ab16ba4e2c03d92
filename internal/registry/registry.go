// Package registry maps auth tokens to their reverse/forward state: ports,
// connected WebSocket clients, and the round-robin cursor used to spread
// SOCKS5 requests across clients sharing a reverse token.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cortexuvula/wssocksd/internal/portpool"
	"github.com/cortexuvula/wssocksd/internal/wire"
)

const tokenChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Peer abstracts the WebSocket connection a client authenticated over; the
// registry only needs to hand it back on Select and close it on Remove.
type Peer interface {
	Send(ctx context.Context, f *wire.Frame) error
	Close(code int, reason string) error
}

type reverseClient struct {
	id   uuid.UUID
	peer Peer
}

// ReverseRecord holds everything spec.md's data model calls the "reverse
// token record": its assigned port, optional SOCKS5 credentials, and the
// lock-serialized client list + round-robin cursor.
type ReverseRecord struct {
	Token    string
	Port     int
	Username string
	Password string

	mu      sync.Mutex
	clients []reverseClient
	cursor  int
	started bool // has the SocksSupervisor for this token been launched?
}

// HasAuth reports whether both username and password were supplied. A
// single credential supplied alone is treated as "no auth" (spec.md §4.3,
// open question 1 — kept as silent no-auth, logged by the caller).
func (r *ReverseRecord) HasAuth() bool {
	return r.Username != "" && r.Password != ""
}

// MarkStarted reports whether this is the first caller to observe the
// supervisor as unstarted, atomically marking it started. Must be called
// holding the token's lock (via Registry.WithLock or equivalent).
func (r *ReverseRecord) MarkStarted() bool {
	if r.started {
		return false
	}
	r.started = true
	return true
}

// Registry is the concurrency-safe token/client map described in spec.md
// §3–§4.3. A coarse mutex protects the top-level maps (token existence,
// forward set); each reverse token additionally owns its own mutex for its
// client list and cursor, so round-robin selection on token A never
// contends with churn on token B.
type Registry struct {
	pool *portpool.Pool

	mu      sync.RWMutex
	reverse map[string]*ReverseRecord
	forward map[string]struct{}
}

// New creates a Registry drawing reverse ports from pool.
func New(pool *portpool.Pool) *Registry {
	return &Registry{
		pool:    pool,
		reverse: make(map[string]*ReverseRecord),
		forward: make(map[string]struct{}),
	}
}

// GenerateToken returns a fresh 16-char alphanumeric token using
// crypto/rand (the Python original used math/random; we use a
// cryptographically strong source since tokens are bearer credentials —
// see DESIGN.md open-question 1 resolution).
func GenerateToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("registry: reading random token bytes: %v", err))
	}
	out := make([]byte, 16)
	for i, v := range buf {
		out[i] = tokenChars[int(v)%len(tokenChars)]
	}
	return string(out)
}

// AddReverse reserves a port for token (auto-generating the token if empty)
// and records optional SOCKS5 credentials. Idempotent: calling it again
// with the same token returns its existing port without reserving a new
// one. Returns ("", 0, false) if the token is already a forward token, or
// if no port is available.
func (r *Registry) AddReverse(token string, preferredPort int, username, password string) (string, int, bool) {
	if token == "" {
		token = GenerateToken()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, isForward := r.forward[token]; isForward {
		return "", 0, false
	}
	if existing, ok := r.reverse[token]; ok {
		return token, existing.Port, true
	}

	port, ok := r.pool.Get(preferredPort)
	if !ok {
		return "", 0, false
	}

	r.reverse[token] = &ReverseRecord{
		Token:    token,
		Port:     port,
		Username: username,
		Password: password,
	}
	return token, port, true
}

// AddForward adds token to the forward set (auto-generating if empty).
// Idempotent.
func (r *Registry) AddForward(token string) string {
	if token == "" {
		token = GenerateToken()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.forward[token] = struct{}{}
	return token
}

// Remove deletes token from whichever set it belongs to, returning its
// port to the pool for reverse tokens. It does not itself close peer
// connections — callers (the coordinator) do that using the peers
// returned here, since closing a WebSocket can block and should not happen
// under the registry lock.
func (r *Registry) Remove(token string) (reverse bool, port int, peers []Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.reverse[token]; exists {
		rec.mu.Lock()
		for _, c := range rec.clients {
			peers = append(peers, c.peer)
		}
		rec.mu.Unlock()

		delete(r.reverse, token)
		r.pool.Put(rec.Port)
		return true, rec.Port, peers, true
	}

	if _, exists := r.forward[token]; exists {
		delete(r.forward, token)
		return false, 0, nil, true
	}

	return false, 0, nil, false
}

// ReverseRecord returns the record for a reverse token, or nil if unknown.
func (r *Registry) ReverseRecord(token string) *ReverseRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reverse[token]
}

// IsForward reports whether token is a registered forward token.
func (r *Registry) IsForward(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.forward[token]
	return ok
}

// AddClient attaches a newly authenticated client to a reverse token's
// client list. Returns false if the token no longer exists (raced with a
// concurrent Remove).
func (r *Registry) AddClient(token string, id uuid.UUID, peer Peer) bool {
	rec := r.ReverseRecord(token)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.clients = append(rec.clients, reverseClient{id: id, peer: peer})
	return true
}

// RemoveClient evicts id from token's client list. A no-op if the token or
// client is already gone.
func (r *Registry) RemoveClient(token string, id uuid.UUID) {
	rec := r.ReverseRecord(token)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, c := range rec.clients {
		if c.id == id {
			rec.clients = append(rec.clients[:i], rec.clients[i+1:]...)
			break
		}
	}
	if rec.cursor >= len(rec.clients) {
		rec.cursor = 0
	}
}

// ClientCount reports how many clients are currently attached to token.
func (r *Registry) ClientCount(token string) int {
	rec := r.ReverseRecord(token)
	if rec == nil {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.clients)
}

// Select returns the next peer for token by round-robin, advancing the
// cursor atomically under the token's own lock. Unlike the Python original
// (spec.md §9, open question 2), an indexing race cannot happen here: the
// modulus is recomputed against the live slice length while still holding
// the lock, so there is no window in which to fall back to client 0.
func (r *Registry) Select(token string) (Peer, bool) {
	rec := r.ReverseRecord(token)
	if rec == nil {
		return nil, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	n := len(rec.clients)
	if n == 0 {
		return nil, false
	}
	rec.cursor = (rec.cursor + 1) % n
	return rec.clients[rec.cursor].peer, true
}

// EnsureStarted reports whether the caller is the first to observe this
// reverse token's SocksSupervisor as not yet started, and marks it started
// if so. Subsequent callers for the same token get false.
func (r *Registry) EnsureStarted(token string) bool {
	rec := r.ReverseRecord(token)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.MarkStarted()
}

// ReverseTokens returns a snapshot of all current reverse tokens.
func (r *Registry) ReverseTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.reverse))
	for t := range r.reverse {
		out = append(out, t)
	}
	return out
}

// ForwardTokens returns a snapshot of all current forward tokens.
func (r *Registry) ForwardTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.forward))
	for t := range r.forward {
		out = append(out, t)
	}
	return out
}
