package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages token buckets per key, such as a client IP or a push
// channel id.
type Limiter struct {
	limiters       map[string]*limiterEntry
	mu             sync.Mutex
	rate           rate.Limit
	burst          int
	cleanup        time.Duration
	maxEntries     int
	trustedProxies []*net.IPNet
	stop           chan struct{}
	stopOnce       sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewLimiter creates a keyed limiter allowing r events per second with
// bursts of b. Entries idle for twice cleanup are dropped. trustedProxies
// lists CIDRs or IPs whose forwarding headers are honored by ClientIP; when
// empty every proxy is trusted.
func NewLimiter(r rate.Limit, b int, cleanup time.Duration, trustedProxies []string) *Limiter {
	limiter := &Limiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       r,
		burst:      b,
		cleanup:    cleanup,
		maxEntries: 10000,
		stop:       make(chan struct{}),
	}

	for _, cidr := range trustedProxies {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				if ip.To4() != nil {
					_, ipnet, _ = net.ParseCIDR(cidr + "/32")
				} else {
					_, ipnet, _ = net.ParseCIDR(cidr + "/128")
				}
			}
		}
		if ipnet != nil {
			limiter.trustedProxies = append(limiter.trustedProxies, ipnet)
		}
	}

	go limiter.cleanupStale()

	return limiter
}

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= l.maxEntries {
			l.evictOldest()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range l.limiters {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}

	if oldestKey != "" {
		delete(l.limiters, oldestKey)
	}
}

func (l *Limiter) cleanupStale() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		cutoff := time.Now().Add(-l.cleanup * 2)
		for key, entry := range l.limiters {
			if entry.lastAccess.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware limits requests per client IP.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.ClientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the originating address, honoring X-Forwarded-For and
// X-Real-IP only from trusted proxies.
func (l *Limiter) ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)

	if len(l.trustedProxies) > 0 {
		trusted := false
		for _, ipnet := range l.trustedProxies {
			if ipnet.Contains(remoteIP) {
				trusted = true
				break
			}
		}
		if !trusted {
			return remoteIP.String()
		}
	}

	// Leftmost entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP, _, _ := strings.Cut(xff, ",")
		if parsed := net.ParseIP(strings.TrimSpace(clientIP)); parsed != nil {
			return parsed.String()
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if parsed := net.ParseIP(xri); parsed != nil {
			return parsed.String()
		}
	}

	return remoteIP.String()
}

func parseIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
