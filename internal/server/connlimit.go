package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/lawnchairsociety/qlcbridge/internal/config"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
)

// ConnLimiter tracks and limits concurrent requests per IP and in total.
// A WebSocket connection holds its slot for as long as it stays open.
type ConnLimiter struct {
	mu         sync.Mutex
	ipCounts   map[string]int
	totalCount int
	maxPerIP   int
	maxTotal   int
}

// NewConnLimiter creates a new connection limiter with the given config.
func NewConnLimiter(cfg config.ConnectionsConfig) *ConnLimiter {
	return &ConnLimiter{
		ipCounts: make(map[string]int),
		maxPerIP: cfg.MaxPerIP,
		maxTotal: cfg.MaxTotal,
	}
}

// TryAcquire attempts to acquire a slot for the given IP.
// Returns true if the request is allowed, false if it would exceed limits.
func (c *ConnLimiter) TryAcquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxTotal > 0 && c.totalCount >= c.maxTotal {
		return false
	}
	if c.maxPerIP > 0 && c.ipCounts[ip] >= c.maxPerIP {
		return false
	}

	c.ipCounts[ip]++
	c.totalCount++
	return true
}

// Release releases a slot for the given IP.
func (c *ConnLimiter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ipCounts[ip] > 0 {
		c.ipCounts[ip]--
		if c.ipCounts[ip] == 0 {
			delete(c.ipCounts, ip)
		}
	}
	if c.totalCount > 0 {
		c.totalCount--
	}
}

// Stats returns the number of open slots and distinct client IPs.
func (c *ConnLimiter) Stats() (totalCount int, ipCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCount, len(c.ipCounts)
}

// IPCount returns the current slot count for a specific IP.
func (c *ConnLimiter) IPCount(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipCounts[ip]
}

// Middleware rejects requests with 429 once the caller's IP, as resolved
// by clientIP, is over its limit.
func (c *ConnLimiter) Middleware(clientIP func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !c.TryAcquire(ip) {
			logger.Warning("Request rejected - connection limit exceeded",
				"remote_addr", r.RemoteAddr,
				"client_ip", ip,
				"request_id", requestIDFrom(r.Context()))
			writeError(w, http.StatusTooManyRequests, "Too many connections. Please try again later.")
			return
		}
		defer c.Release(ip)
		next.ServeHTTP(w, r)
	})
}

// extractIP extracts the IP address from a remote address string (ip:port format).
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // Return as-is if can't split
	}
	return host
}

// proxyList holds the peers whose forwarding headers are believed.
type proxyList []*net.IPNet

// parseTrustedProxies accepts bare IPs and CIDR ranges.
func parseTrustedProxies(entries []string) (proxyList, error) {
	var list proxyList
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			list = append(list, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		bits := 8 * net.IPv4len
		if ip.To4() == nil {
			bits = 8 * net.IPv6len
		}
		list = append(list, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return list, nil
}

func (p proxyList) contains(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipnet := range p {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the address a request came from. X-Forwarded-For and
// X-Real-IP are only read when the direct peer is a trusted proxy, and
// X-Forwarded-For is walked from the right so hops a client prepends
// itself are never reached.
func (p proxyList) clientIP(r *http.Request) string {
	ip := extractIP(r.RemoteAddr)
	if !p.contains(ip) {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !p.contains(hop) {
				return hop
			}
			ip = hop
		}
		return ip
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return ip
}
