package api

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type clientWindow struct {
	start        time.Time
	requests     int
	authFailures int
	blockedUntil time.Time
	lastSeen     time.Time
}

// rateLimiter enforces a per-IP request budget over a fixed one-minute
// window and a lockout after repeated auth failures. The daemon binds
// locally, so this guards against runaway scripts, not the internet.
type rateLimiter struct {
	mu            sync.Mutex
	requestLimit  int
	authFailLimit int
	blockFor      time.Duration
	maxClients    int
	staleTTL      time.Duration
	ops           uint64
	clients       map[string]*clientWindow
}

func newRateLimiter(requestLimit, authFailLimit int, blockFor time.Duration) *rateLimiter {
	if requestLimit <= 0 {
		requestLimit = 120
	}
	if authFailLimit <= 0 {
		authFailLimit = 10
	}
	if blockFor <= 0 {
		blockFor = 10 * time.Minute
	}
	return &rateLimiter{
		requestLimit:  requestLimit,
		authFailLimit: authFailLimit,
		blockFor:      blockFor,
		maxClients:    10_000,
		staleTTL:      3 * blockFor,
		clients:       make(map[string]*clientWindow),
	}
}

func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w := l.window(ip, now)
	l.maybePrune(now)
	if now.Before(w.blockedUntil) {
		return false
	}
	w.requests++
	return w.requests <= l.requestLimit
}

// addAuthFailure returns true once the client crosses the lockout
// threshold and is blocked.
func (l *rateLimiter) addAuthFailure(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w := l.window(ip, now)
	l.maybePrune(now)
	w.authFailures++
	if w.authFailures >= l.authFailLimit {
		w.blockedUntil = now.Add(l.blockFor)
		return true
	}
	return false
}

func (l *rateLimiter) clearAuthFailures(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window(ip, time.Now()).authFailures = 0
}

func (l *rateLimiter) window(ip string, now time.Time) *clientWindow {
	w, ok := l.clients[ip]
	if !ok {
		w = &clientWindow{start: now}
		l.clients[ip] = w
	}
	if now.Sub(w.start) >= time.Minute {
		w.start = now
		w.requests = 0
		w.authFailures = 0
	}
	w.lastSeen = now
	return w
}

// maybePrune drops stale unblocked clients every 256 operations, or
// immediately when the map outgrows its cap. Callers hold the lock.
func (l *rateLimiter) maybePrune(now time.Time) {
	l.ops++
	if l.ops%256 != 0 && len(l.clients) <= l.maxClients {
		return
	}
	cutoff := now.Add(-l.staleTTL)
	for ip, w := range l.clients {
		if w.lastSeen.Before(cutoff) && !now.Before(w.blockedUntil) {
			delete(l.clients, ip)
		}
	}
	for ip, w := range l.clients {
		if len(l.clients) <= l.maxClients {
			break
		}
		if !now.Before(w.blockedUntil) {
			delete(l.clients, ip)
		}
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	if strings.Count(remoteAddr, ":") == 1 {
		parts := strings.Split(remoteAddr, ":")
		if _, pErr := strconv.Atoi(parts[1]); pErr == nil {
			return parts[0]
		}
	}
	return remoteAddr
}
