package security

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

const (
	// reservationTTL is how long a slot reserved before the upgrade stays valid.
	reservationTTL = 30 * time.Second

	// cleanupInterval is how often expired reservations and idle IPs are dropped.
	cleanupInterval = 1 * time.Minute

	// tokenLength and tokenCharset give 192 bits of entropy per reservation token.
	tokenLength  = 32
	tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"
)

type ipInfo struct {
	lastSeen     time.Time
	active       int
	reservations int
}

type reservation struct {
	createdAt time.Time
	ip        string
}

// ConnectionLimiter caps concurrent connections per IP and in total.
//
// A slot is reserved before the WebSocket upgrade and committed once the
// connection is handed to the server, so a burst of handshakes cannot exceed
// the limits between check and registration.
//
//nolint:govet // Field order optimized for readability over memory padding
type ConnectionLimiter struct {
	mu           sync.Mutex
	perIP        map[string]*ipInfo
	reservations map[string]*reservation
	maxPerIP     int
	maxTotal     int
	total        int
	totalReserve int
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewConnectionLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop when done.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:        make(map[string]*ipInfo),
		reservations: make(map[string]*reservation),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
		stop:         make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// allowed reports whether ip may take one more slot. Caller holds mu.
func (cl *ConnectionLimiter) allowed(ip string) bool {
	if cl.total+cl.totalReserve >= cl.maxTotal {
		return false
	}
	info := cl.perIP[ip]
	return info == nil || info.active+info.reservations < cl.maxPerIP
}

func (cl *ConnectionLimiter) info(ip string) *ipInfo {
	info, ok := cl.perIP[ip]
	if !ok {
		info = &ipInfo{}
		cl.perIP[ip] = info
	}
	info.lastSeen = time.Now()
	return info
}

// Add takes a slot for ip directly. It returns false when a limit is reached.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if !cl.allowed(ip) {
		return false
	}
	cl.info(ip).active++
	cl.total++
	return true
}

// Remove releases a slot held by ip. Extra calls are ignored.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info, ok := cl.perIP[ip]
	if !ok || info.active == 0 {
		return
	}
	info.active--
	info.lastSeen = time.Now()
	if cl.total > 0 {
		cl.total--
	}
}

// Reserve holds a slot for ip and returns a token to commit or cancel it.
// It returns "" when a limit is reached.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	token, err := newToken()
	if err != nil {
		return ""
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if !cl.allowed(ip) {
		return ""
	}
	cl.info(ip).reservations++
	cl.totalReserve++
	cl.reservations[token] = &reservation{ip: ip, createdAt: time.Now()}
	return token
}

// CommitReservation turns a reservation into an active connection. It returns
// false for unknown, already used, or expired tokens.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res, ok := cl.reservations[token]
	if !ok {
		return false
	}
	cl.release(token, res)
	if time.Since(res.createdAt) > reservationTTL {
		return false
	}

	cl.info(res.ip).active++
	cl.total++
	return true
}

// CancelReservation gives back a reserved slot. Unknown tokens are ignored.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if res, ok := cl.reservations[token]; ok {
		cl.release(token, res)
	}
}

// release drops a reservation and its counts. Caller holds mu.
func (cl *ConnectionLimiter) release(token string, res *reservation) {
	delete(cl.reservations, token)
	if cl.totalReserve > 0 {
		cl.totalReserve--
	}
	if info, ok := cl.perIP[res.ip]; ok && info.reservations > 0 {
		info.reservations--
	}
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.cleanup()
		}
	}
}

// cleanup expires stale reservations and forgets idle IPs.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for token, res := range cl.reservations {
		if time.Since(res.createdAt) > reservationTTL {
			cl.release(token, res)
		}
	}
	for ip, info := range cl.perIP {
		if info.active == 0 && info.reservations == 0 && time.Since(info.lastSeen) > cleanupInterval {
			delete(cl.perIP, ip)
		}
	}
}

// newToken returns a random reservation token.
func newToken() (string, error) {
	b := make([]byte, tokenLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenCharset))))
		if err != nil {
			return "", err
		}
		b[i] = tokenCharset[n.Int64()]
	}
	return string(b), nil
}
