package importer

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// IP & DOMAIN REPUTATION
// =============================================================================
// Sender-IP reputation is checked against a fixed set of public DNS
// blocklists: the reversed-octet address is queried under each zone in
// parallel and any A-record answer means the IP is listed. Domain reputation
// is a lightweight substring heuristic over known-suspicious markers.
// Both lookups are cached for 24 hours.

// dnsblServers are the blocklist zones queried for each sender IP.
var dnsblServers = []string{
	"zen.spamhaus.org",
	"bl.spamcop.net",
	"b.barracudacentral.org",
	"dnsbl-1.uceprotect.net",
	"dnsbl-2.uceprotect.net",
	"dnsbl-3.uceprotect.net",
	"spam.dnsbl.sorbs.net",
	"dnsbl.dronebl.org",
}

// suspiciousDomainMarkers flag domains that imitate legitimate providers or
// advertise throwaway usage.
var suspiciousDomainMarkers = []string{
	"tempmail", "throwaway", "disposable", "trashmail", "fakeinbox",
	"spamgourmet", "mailcatch", "mintemail",
}

const reputationCacheTTL = 24 * time.Hour

// DNSBLChecker implements ReputationChecker against public DNS blocklists.
type DNSBLChecker struct {
	resolver DNSResolver
	cache    *redis.Client
	timeout  time.Duration
}

// NewDNSBLChecker creates a blocklist-backed reputation checker. cache may
// be nil.
func NewDNSBLChecker(resolver DNSResolver, cache *redis.Client) *DNSBLChecker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSBLChecker{
		resolver: resolver,
		cache:    cache,
		timeout:  5 * time.Second,
	}
}

// CheckIPReputation queries every blocklist zone concurrently and reduces the
// answers: any listing is "poor", all-clean is "good", lookup trouble on
// every zone is "neutral".
func (c *DNSBLChecker) CheckIPReputation(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return "", fmt.Errorf("invalid IPv4 address: %s", ip)
	}

	cacheKey := "ip_reputation_" + ip
	if c.cache != nil {
		if val, err := c.cache.Get(ctx, cacheKey).Result(); err == nil {
			return val, nil
		}
	}

	reversed := reverseOctets(parsed.To4())

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		listed   int
		resolved int
	)
	for _, zone := range dnsblServers {
		wg.Add(1)
		go func(zone string) {
			defer wg.Done()
			query := reversed + "." + zone
			addrs, err := c.resolver.LookupHost(lookupCtx, query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isNotFound(err) {
					resolved++ // clean answer
				}
				return
			}
			resolved++
			if len(addrs) > 0 {
				listed++
			}
		}(zone)
	}
	wg.Wait()

	reputation := "neutral"
	switch {
	case listed > 0:
		reputation = "poor"
	case resolved > 0:
		reputation = "good"
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, reputation, reputationCacheTTL).Err(); err != nil {
			log.Printf("[Reputation] cache write failed for %s: %v", cacheKey, err)
		}
	}
	return reputation, nil
}

// CheckDomainReputation classifies a domain as poor when it carries a
// suspicious marker, good otherwise.
func (c *DNSBLChecker) CheckDomainReputation(ctx context.Context, domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", fmt.Errorf("empty domain")
	}

	cacheKey := "domain_reputation_" + domain
	if c.cache != nil {
		if val, err := c.cache.Get(ctx, cacheKey).Result(); err == nil {
			return val, nil
		}
	}

	reputation := "good"
	for _, marker := range suspiciousDomainMarkers {
		if strings.Contains(domain, marker) {
			reputation = "poor"
			break
		}
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, reputation, reputationCacheTTL).Err(); err != nil {
			log.Printf("[Reputation] cache write failed for %s: %v", cacheKey, err)
		}
	}
	return reputation, nil
}

// reverseOctets turns 1.2.3.4 into 4.3.2.1 for blocklist queries.
func reverseOctets(ip net.IP) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[3], ip[2], ip[1], ip[0])
}
