package usecase

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/metrics"
)

const (
	ipFailPrefix  = "ip:fail:"
	ipBlockPrefix = "ip:block:"
	ipPermPrefix  = "ip:perm:"
	ipAllowPrefix = "ip:allow:"
)

// IPTrackerConfig holds the per-IP thresholds and the static lists.
type IPTrackerConfig struct {
	MaxFailedRequests int
	FailureWindow     time.Duration
	BlockDuration     time.Duration
	Whitelist         []string
	Blocklist         []string
}

// BlockStatus is the outcome of an IP block check.
type BlockStatus struct {
	Blocked    bool
	Permanent  bool
	RetryAfter time.Duration
}

// BlockedIP is one entry of the administrative block listing.
type BlockedIP struct {
	IP           string     `json:"ip"`
	Permanent    bool       `json:"permanent"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// IPTracker counts failures per address inside a window and turns bursts into
// temporary blocks. A whitelisted address is never counted and never blocked.
type IPTracker struct {
	store   domain.CounterStore
	clock   clock.Clock
	cfg     IPTrackerConfig
	static  map[string]struct{}
	log     logrus.FieldLogger
	metrics *metrics.Recorder
}

// NewIPTracker creates a tracker. Static whitelist entries live in memory;
// call SeedBlocklist to persist the static blocklist.
func NewIPTracker(store domain.CounterStore, clk clock.Clock, cfg IPTrackerConfig, log logrus.FieldLogger, m *metrics.Recorder) *IPTracker {
	static := make(map[string]struct{}, len(cfg.Whitelist))
	for _, ip := range cfg.Whitelist {
		static[normalizeIP(ip)] = struct{}{}
	}
	return &IPTracker{
		store:   store,
		clock:   clk,
		cfg:     cfg,
		static:  static,
		log:     log.WithField("component", "ip_tracker"),
		metrics: m,
	}
}

// normalizeIP returns the canonical textual form so that "::ffff:1.2.3.4"
// and "1.2.3.4" share counters. Unparseable input is only trimmed.
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}

// SeedBlocklist adds the configured static blocklist to the permanent set.
func (t *IPTracker) SeedBlocklist(ctx context.Context) error {
	for _, ip := range t.cfg.Blocklist {
		if err := t.AddToPermanentBlocklist(ctx, ip); err != nil {
			return err
		}
	}
	return nil
}

// IsWhitelisted reports whether ip is on the static or administrative whitelist.
func (t *IPTracker) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	ip = normalizeIP(ip)
	if _, ok := t.static[ip]; ok {
		return true, nil
	}
	return t.store.Exists(ctx, ipAllowPrefix+ip)
}

// RecordFailedRequest counts a failure and blocks the address once the
// threshold is reached inside the window. It reports whether this call blocked.
func (t *IPTracker) RecordFailedRequest(ctx context.Context, ip string) (bool, error) {
	ip = normalizeIP(ip)
	allowed, err := t.IsWhitelisted(ctx, ip)
	if err != nil || allowed {
		return false, err
	}

	// The window starts with the first failure and rolls over by expiry, so a
	// stale count never survives past its window.
	count, err := t.store.IncrementWindow(ctx, ipFailPrefix+ip, t.cfg.FailureWindow)
	if err != nil {
		return false, err
	}
	if count < int64(t.cfg.MaxFailedRequests) {
		return false, nil
	}

	applied, err := t.block(ctx, ip, t.cfg.BlockDuration)
	if err != nil {
		return false, err
	}
	if applied {
		t.metrics.IPBlocked(metrics.ReasonThreshold)
		t.log.WithFields(logrus.Fields{
			"ip":       ip,
			"failures": count,
			"duration": t.cfg.BlockDuration.String(),
		}).Warn("ip blocked after repeated failures")
	}
	return applied, nil
}

// IsBlocked reports the block state of ip. Expired temporary blocks are cleared on read.
func (t *IPTracker) IsBlocked(ctx context.Context, ip string) (BlockStatus, error) {
	ip = normalizeIP(ip)
	allowed, err := t.IsWhitelisted(ctx, ip)
	if err != nil || allowed {
		return BlockStatus{}, err
	}

	permanent, err := t.store.Exists(ctx, ipPermPrefix+ip)
	if err != nil {
		return BlockStatus{}, err
	}
	if permanent {
		return BlockStatus{Blocked: true, Permanent: true}, nil
	}

	until, ok, err := t.blockedUntil(ctx, ip)
	if err != nil || !ok {
		return BlockStatus{}, err
	}
	now := t.clock.Now()
	if !until.After(now) {
		if err := t.store.Delete(ctx, ipBlockPrefix+ip); err != nil {
			t.log.WithError(err).WithField("ip", ip).Warn("failed to clear expired block")
		}
		return BlockStatus{}, nil
	}
	return BlockStatus{Blocked: true, RetryAfter: until.Sub(now)}, nil
}

func (t *IPTracker) blockedUntil(ctx context.Context, ip string) (time.Time, bool, error) {
	raw, ok, err := t.store.Get(ctx, ipBlockPrefix+ip)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		t.log.WithField("ip", ip).Warn("ignoring malformed block record")
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// BlockTemporarily blocks ip for d. It is a no-op for whitelisted addresses
// and never shortens a longer block already in place. It reports whether a
// block was applied.
func (t *IPTracker) BlockTemporarily(ctx context.Context, ip string, d time.Duration) (bool, error) {
	ip = normalizeIP(ip)
	allowed, err := t.IsWhitelisted(ctx, ip)
	if err != nil {
		return false, err
	}
	if allowed {
		t.log.WithField("ip", ip).Warn("refusing to block whitelisted ip")
		return false, nil
	}
	return t.block(ctx, ip, d)
}

func (t *IPTracker) block(ctx context.Context, ip string, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, nil
	}
	until := t.clock.Now().Add(d)
	current, ok, err := t.blockedUntil(ctx, ip)
	if err != nil {
		return false, err
	}
	if ok && !current.Before(until) {
		return false, nil
	}
	if err := t.store.SetWithExpiry(ctx, ipBlockPrefix+ip, strconv.FormatInt(until.UnixMilli(), 10), d); err != nil {
		return false, err
	}
	return true, nil
}

// UnblockTemporarily lifts a temporary block and forgets the failure count.
func (t *IPTracker) UnblockTemporarily(ctx context.Context, ip string) error {
	ip = normalizeIP(ip)
	if err := t.store.Delete(ctx, ipBlockPrefix+ip); err != nil {
		return err
	}
	return t.store.Delete(ctx, ipFailPrefix+ip)
}

// AddToPermanentBlocklist is idempotent.
func (t *IPTracker) AddToPermanentBlocklist(ctx context.Context, ip string) error {
	ip = normalizeIP(ip)
	if err := t.store.SetWithExpiry(ctx, ipPermPrefix+ip, "1", 0); err != nil {
		return err
	}
	t.metrics.IPBlocked(metrics.ReasonPermanent)
	return nil
}

// RemoveFromPermanentBlocklist is idempotent.
func (t *IPTracker) RemoveFromPermanentBlocklist(ctx context.Context, ip string) error {
	return t.store.Delete(ctx, ipPermPrefix+normalizeIP(ip))
}

// AddToWhitelist whitelists ip and clears its counters and temporary block.
func (t *IPTracker) AddToWhitelist(ctx context.Context, ip string) error {
	ip = normalizeIP(ip)
	if err := t.store.SetWithExpiry(ctx, ipAllowPrefix+ip, "1", 0); err != nil {
		return err
	}
	return t.UnblockTemporarily(ctx, ip)
}

// RemoveFromWhitelist removes an administrative entry. Static entries stay.
func (t *IPTracker) RemoveFromWhitelist(ctx context.Context, ip string) error {
	return t.store.Delete(ctx, ipAllowPrefix+normalizeIP(ip))
}

// ListBlocked returns permanent and live temporary blocks, sorted by address.
// Whitelisted addresses are omitted since they are never blocked.
func (t *IPTracker) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	byIP := make(map[string]*BlockedIP)

	permKeys, err := t.store.Scan(ctx, ipPermPrefix)
	if err != nil {
		return nil, err
	}
	for _, k := range permKeys {
		ip := strings.TrimPrefix(k, ipPermPrefix)
		byIP[ip] = &BlockedIP{IP: ip, Permanent: true}
	}

	blockKeys, err := t.store.Scan(ctx, ipBlockPrefix)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	for _, k := range blockKeys {
		ip := strings.TrimPrefix(k, ipBlockPrefix)
		until, ok, err := t.blockedUntil(ctx, ip)
		if err != nil {
			return nil, err
		}
		if !ok || !until.After(now) {
			continue
		}
		entry, exists := byIP[ip]
		if !exists {
			entry = &BlockedIP{IP: ip}
			byIP[ip] = entry
		}
		u := until
		entry.BlockedUntil = &u
	}

	out := make([]BlockedIP, 0, len(byIP))
	for ip, entry := range byIP {
		allowed, err := t.IsWhitelisted(ctx, ip)
		if err != nil {
			return nil, err
		}
		if !allowed {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}
