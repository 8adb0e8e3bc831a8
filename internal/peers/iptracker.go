package peers

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// IPTracker records which source IPs have been seen, the best-known user ID
// per IP, per-IP datagram counts, and a small administrative block list. It
// is advisory: nothing here gates delivery except explicit blocks.
type IPTracker struct {
	mu       sync.Mutex
	ipUser   map[string]string
	attempts map[string]int64
	blocked  map[string]struct{}

	datagrams  prometheus.Counter
	mismatches prometheus.Counter
	rejected   prometheus.Counter
}

// NewIPTracker creates a tracker with its counters registered on reg.
func NewIPTracker(reg prometheus.Registerer) *IPTracker {
	t := &IPTracker{
		ipUser:   make(map[string]string),
		attempts: make(map[string]int64),
		blocked:  make(map[string]struct{}),
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsnp_datagrams_total",
			Help: "Datagrams received on the LSNP socket.",
		}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsnp_sender_ip_mismatches_total",
			Help: "Frames dropped because the FROM host differed from the source IP.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsnp_token_rejections_total",
			Help: "Frames dropped for an invalid, expired, or revoked token.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.datagrams, t.mismatches, t.rejected)
	}
	return t
}

// Observe logs one datagram from ip, optionally attributed to userID.
func (t *IPTracker) Observe(ip, userID string) {
	t.mu.Lock()
	t.attempts[ip]++
	if userID != "" {
		t.ipUser[ip] = userID
	}
	t.mu.Unlock()
	t.datagrams.Inc()
}

// NoteMismatch counts a sender-IP binding failure.
func (t *IPTracker) NoteMismatch(ip string) {
	t.mu.Lock()
	t.attempts[ip]++
	t.mu.Unlock()
	t.mismatches.Inc()
}

// NoteTokenReject counts a token validation failure.
func (t *IPTracker) NoteTokenReject() {
	t.rejected.Inc()
}

// Block adds an IP to the administrative block list.
func (t *IPTracker) Block(ip string) {
	t.mu.Lock()
	t.blocked[ip] = struct{}{}
	t.mu.Unlock()
}

// Blocked reports whether the IP is administratively blocked.
func (t *IPTracker) Blocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.blocked[ip]
	return ok
}

// Stat is one row of the ipstats report.
type Stat struct {
	IP       string
	UserID   string
	Attempts int64
	Blocked  bool
}

// Stats returns the per-IP report sorted by IP.
func (t *IPTracker) Stats() []Stat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Stat, 0, len(t.attempts))
	for ip, n := range t.attempts {
		_, blocked := t.blocked[ip]
		out = append(out, Stat{IP: ip, UserID: t.ipUser[ip], Attempts: n, Blocked: blocked})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}
