package core

import (
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DiscoveryConfig carries the peer-count goals and rate limits of
// spec.md §4.J.
type DiscoveryConfig struct {
	TotalWitnesses     int
	MaxPeers           int
	CanonicalP2PPort   string
	RateLimitEmergency time.Duration
	RateLimitNormal    time.Duration
}

// MinPeers returns ceil(0.6 * total_witnesses).
func (d DiscoveryConfig) MinPeers() int {
	return int(math.Ceil(0.6 * float64(d.TotalWitnesses)))
}

// Optimal returns min(total_witnesses-1, max_peers).
func (d DiscoveryConfig) Optimal() int {
	opt := d.TotalWitnesses - 1
	if opt > d.MaxPeers {
		opt = d.MaxPeers
	}
	return opt
}

// PeerCandidate is one address discovered via bootstrap, gossip, or the
// witness endpoint table.
type PeerCandidate struct {
	Addr string
	IP   string
}

// Discovery drives bootstrap and peer-list gossip to keep the node
// connected to between MinPeers and Optimal peers, per spec.md §4.J.
type Discovery struct {
	mu sync.Mutex
	cfg DiscoveryConfig
	node *Node
	connect func(addr string) error

	bootstrapPeers  []string
	witnessEndpoints map[Address]string
	connecting      map[string]bool

	lastEmergency time.Time
	lastNormal    map[string]time.Time

	logger *logrus.Logger
}

// NewDiscovery constructs a discovery engine seeded with a bootstrap
// peer list. connect is called to establish an outbound connection to
// a discovered address; it is supplied by the caller since dialing owns
// TLS/handshake concerns outside this package's scope.
func NewDiscovery(cfg DiscoveryConfig, node *Node, bootstrap []string, connect func(addr string) error, logger *logrus.Logger) *Discovery {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Discovery{
		cfg: cfg, node: node, connect: connect, bootstrapPeers: bootstrap,
		witnessEndpoints: make(map[Address]string), connecting: make(map[string]bool),
		lastNormal: make(map[string]time.Time), logger: logger,
	}
}

// RefreshWitnessEndpoints replaces the bootstrap witness endpoint
// table. Per SPEC_FULL.md's supplement, callers invoke this on every
// WitnessSchedule.Rotate, not only at startup.
func (d *Discovery) RefreshWitnessEndpoints(slate []WitnessRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.witnessEndpoints = make(map[Address]string, len(slate))
	for _, w := range slate {
		if w.Endpoint != "" {
			d.witnessEndpoints[w.Name] = w.Endpoint
		}
	}
}

// Bootstrap connects to the configured bootstrap peers and witness
// endpoints at startup.
func (d *Discovery) Bootstrap() {
	d.mu.Lock()
	targets := append([]string{}, d.bootstrapPeers...)
	for _, ep := range d.witnessEndpoints {
		targets = append(targets, ep)
	}
	d.mu.Unlock()
	for _, addr := range targets {
		d.dial(addr, addr)
	}
}

// MaybeQueryPeerList decides, per the min_peers/optimal goals, whether
// to query a subset of peers (or all, if below min_peers) for their
// known peer list. Returns the peer ids to query.
func (d *Discovery) MaybeQueryPeerList() []NodeID {
	peers := d.node.Peers()
	if len(peers) >= d.cfg.MinPeers() {
		n := len(peers) / 2
		if n < 1 {
			n = 1
		}
		return peers[:n]
	}
	return peers
}

// HandlePeerListResponse processes a gossip reply: computes max_new
// from whether the node is below min_peers (emergency) or optimal
// (nominal), filters duplicates and the in-flight connecting set,
// rewrites to the canonical P2P port, and connects to up to max_new
// candidates in randomized order.
func (d *Discovery) HandlePeerListResponse(candidates []PeerCandidate) {
	current := len(d.node.Peers())
	emergency := current < d.cfg.MinPeers()

	d.mu.Lock()
	if emergency {
		if time.Since(d.lastEmergency) < d.cfg.RateLimitEmergency {
			d.mu.Unlock()
			return
		}
		d.lastEmergency = time.Now()
	}
	d.mu.Unlock()

	maxNew := d.cfg.Optimal() - current
	if emergency {
		maxNew = d.cfg.MinPeers() - current
	}
	if maxNew <= 0 {
		return
	}

	filtered := d.filterAndRewrite(candidates)
	rand.Shuffle(len(filtered), func(i, j int) { filtered[i], filtered[j] = filtered[j], filtered[i] })
	if len(filtered) > maxNew {
		filtered = filtered[:maxNew]
	}
	for _, t := range filtered {
		d.dial(t.ip, t.addr)
	}
}

// dialTarget pairs a candidate's dedup/rate-limit key (its IP) with the
// canonical-port-rewritten address actually dialed, so the in-flight
// connecting set and dial() agree on which key identifies a peer.
type dialTarget struct {
	ip   string
	addr string
}

func (d *Discovery) filterAndRewrite(candidates []PeerCandidate) []dialTarget {
	d.mu.Lock()
	defer d.mu.Unlock()

	seenIP := make(map[string]bool)
	var out []dialTarget
	for _, c := range candidates {
		if seenIP[c.IP] || d.connecting[c.IP] {
			continue
		}
		if last, ok := d.lastNormal[c.IP]; ok && time.Since(last) < d.cfg.RateLimitNormal {
			continue
		}
		seenIP[c.IP] = true
		d.lastNormal[c.IP] = time.Now()
		out = append(out, dialTarget{ip: c.IP, addr: rewriteToCanonicalPort(c.Addr, d.cfg.CanonicalP2PPort)})
	}
	return out
}

func rewriteToCanonicalPort(addr, port string) string {
	u, err := url.Parse(addr)
	if err != nil || u.Hostname() == "" {
		return addr
	}
	u.Host = u.Hostname() + ":" + port
	return u.String()
}

// dial connects to addr, tracking in-flight attempts under ip so the
// gossip-path dedup in filterAndRewrite (keyed by candidate IP) and this
// in-flight guard never disagree on identity.
func (d *Discovery) dial(ip, addr string) {
	d.mu.Lock()
	if d.connecting[ip] {
		d.mu.Unlock()
		return
	}
	d.connecting[ip] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.connecting, ip)
		d.mu.Unlock()
	}()

	if d.connect == nil {
		return
	}
	if err := d.connect(addr); err != nil {
		d.logger.WithField("addr", addr).WithError(err).Debug("peer connect attempt failed")
	}
}
