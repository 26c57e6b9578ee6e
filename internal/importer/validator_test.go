package importer

import (
	"context"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeResolver answers DNS lookups from fixed maps. Domains absent from both
// maps resolve as NXDOMAIN.
type fakeResolver struct {
	hosts   map[string][]string
	mx      map[string][]*net.MX
	failAll bool
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.failAll {
		return nil, &net.DNSError{Err: "server misbehaving", Name: host, IsTemporary: true}
	}
	addrs, ok := f.hosts[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if f.failAll {
		return nil, &net.DNSError{Err: "server misbehaving", Name: name, IsTemporary: true}
	}
	records, ok := f.mx[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

// fakeReputation returns canned verdicts.
type fakeReputation struct {
	ip     string
	domain string
}

func (f *fakeReputation) CheckIPReputation(ctx context.Context, ip string) (string, error) {
	return f.ip, nil
}

func (f *fakeReputation) CheckDomainReputation(ctx context.Context, domain string) (string, error) {
	return f.domain, nil
}

// goodResolver resolves every domain used in the tests with A and MX records.
func goodResolver(domains ...string) *fakeResolver {
	f := &fakeResolver{
		hosts: map[string][]string{},
		mx:    map[string][]*net.MX{},
	}
	for _, d := range domains {
		f.hosts[d] = []string{"192.0.2.1"}
		f.mx[d] = []*net.MX{{Host: "mx." + d, Pref: 10}}
	}
	return f
}

// =============================================================================
// PIPELINE TESTS
// =============================================================================

func TestValidate_SyntaxFailureIsHardZero(t *testing.T) {
	v := NewEmailValidator(goodResolver(), nil, nil)

	tests := []string{
		"not-an-email",
		"missing@tld",
		"@example.com",
		"user@",
		"two@@example.com",
		"",
	}
	for _, email := range tests {
		t.Run(email, func(t *testing.T) {
			result := v.Validate(context.Background(), email, "")
			if result.Status != ValidationStatusInvalid {
				t.Errorf("status = %q, want invalid", result.Status)
			}
			if result.Confidence != 0 {
				t.Errorf("confidence = %d, want 0", result.Confidence)
			}
			if result.IsValid {
				t.Error("IsValid = true for syntactically invalid address")
			}
		})
	}
}

func TestValidate_DomainNotFound(t *testing.T) {
	v := NewEmailValidator(goodResolver(), nil, nil)

	result := v.Validate(context.Background(), "user@no-such-domain.example", "")
	if result.Status != ValidationStatusInvalid {
		t.Errorf("status = %q, want invalid", result.Status)
	}
	if result.Confidence != 20 {
		t.Errorf("confidence = %d, want 20", result.Confidence)
	}
	if !result.Checks.Syntax || result.Checks.DomainExists {
		t.Errorf("checks = %+v, want syntax pass and domain fail", result.Checks)
	}
}

func TestValidate_NoMXRecords(t *testing.T) {
	resolver := goodResolver("example.com")
	delete(resolver.mx, "example.com")
	v := NewEmailValidator(resolver, nil, nil)

	result := v.Validate(context.Background(), "user@example.com", "")
	if result.Status != ValidationStatusInvalid {
		t.Errorf("status = %q, want invalid", result.Status)
	}
	if result.Confidence != 30 {
		t.Errorf("confidence = %d, want 30", result.Confidence)
	}
}

func TestValidate_CleanAddressIsValid(t *testing.T) {
	v := NewEmailValidator(goodResolver("example.com"), nil, nil)

	result := v.Validate(context.Background(), "alice@example.com", "")
	if !result.IsValid || result.Status != ValidationStatusValid {
		t.Errorf("status = %q IsValid = %v, want valid/true", result.Status, result.IsValid)
	}
	if result.Confidence != 100 {
		t.Errorf("confidence = %d, want 100", result.Confidence)
	}
}

func TestValidate_Penalties(t *testing.T) {
	tests := []struct {
		name           string
		email          string
		wantConfidence int
		wantStatus     string
	}{
		// 100 - 30 = 70: the smallest still-valid score.
		{"disposable domain", "someone@mailinator.com", 70, ValidationStatusValid},
		// 100 - 20 = 80.
		{"role account", "admin@example.com", 80, ValidationStatusValid},
		// 100 - 25 = 75.
		{"typo domain", "alice@gmial.com", 75, ValidationStatusValid},
		// 100 - 30 - 20 = 50: risky band.
		{"disposable role account", "info@mailinator.com", 50, ValidationStatusRisky},
	}

	resolver := goodResolver("example.com", "mailinator.com", "gmial.com")
	v := NewEmailValidator(resolver, nil, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(context.Background(), tt.email, "")
			if result.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %d, want %d", result.Confidence, tt.wantConfidence)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", result.Status, tt.wantStatus)
			}
		})
	}
}

func TestValidate_TypoSuggestion(t *testing.T) {
	v := NewEmailValidator(goodResolver("gmial.com"), nil, nil)

	result := v.Validate(context.Background(), "alice@gmial.com", "")
	if !result.Checks.Typo {
		t.Fatal("typo check did not fire")
	}
	if result.Checks.TypoSuggestion != "alice@gmail.com" {
		t.Errorf("suggestion = %q, want alice@gmail.com", result.Checks.TypoSuggestion)
	}
}

func TestValidate_ReputationPenalties(t *testing.T) {
	tests := []struct {
		name           string
		rep            *fakeReputation
		senderIP       string
		wantConfidence int
		wantStatus     string
	}{
		// 100 - 40 = 60.
		{"poor IP", &fakeReputation{ip: "poor", domain: "good"}, "192.0.2.10", 60, ValidationStatusRisky},
		// 100 - 20 = 80.
		{"neutral IP", &fakeReputation{ip: "neutral", domain: "good"}, "192.0.2.10", 80, ValidationStatusValid},
		// 100 - 35 = 65.
		{"poor domain rep", &fakeReputation{ip: "good", domain: "poor"}, "", 65, ValidationStatusRisky},
		// 100 - 20 = 80.
		{"suspicious domain rep", &fakeReputation{ip: "good", domain: "suspicious"}, "", 80, ValidationStatusValid},
		// 100 - 40 - 35 = 25: below the invalid line.
		{"poor both", &fakeReputation{ip: "poor", domain: "poor"}, "192.0.2.10", 25, ValidationStatusInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewEmailValidator(goodResolver("example.com"), tt.rep, nil)
			result := v.Validate(context.Background(), "alice@example.com", tt.senderIP)
			if result.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %d, want %d", result.Confidence, tt.wantConfidence)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", result.Status, tt.wantStatus)
			}
		})
	}
}

func TestValidate_TransientResolverFailureIsUnknown(t *testing.T) {
	v := NewEmailValidator(&fakeResolver{failAll: true}, nil, nil)

	result := v.Validate(context.Background(), "alice@example.com", "")
	if result.Status != ValidationStatusUnknown {
		t.Errorf("status = %q, want unknown", result.Status)
	}
	if result.Confidence != 0 {
		t.Errorf("confidence = %d, want 0", result.Confidence)
	}
	if result.Error == "" {
		t.Error("expected error detail on unknown result")
	}
}

func TestValidate_NormalizesCaseAndWhitespace(t *testing.T) {
	v := NewEmailValidator(goodResolver("example.com"), nil, nil)

	result := v.Validate(context.Background(), "  Alice@Example.COM  ", "")
	if result.Email != "alice@example.com" {
		t.Errorf("email = %q, want normalized lowercase", result.Email)
	}
	if !result.IsValid {
		t.Error("normalized address should validate")
	}
}

// =============================================================================
// CACHE TESTS
// =============================================================================

func TestValidate_CachesResult(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	resolver := goodResolver("example.com")
	v := NewEmailValidator(resolver, nil, cache)

	first := v.Validate(context.Background(), "alice@example.com", "")
	if !first.IsValid {
		t.Fatalf("first pass: %+v", first)
	}
	if !mr.Exists("email_validation_alice@example.com") {
		t.Error("result was not cached")
	}

	// Break the resolver: a cache hit must not touch DNS.
	resolver.failAll = true
	second := v.Validate(context.Background(), "alice@example.com", "")
	if !second.IsValid || second.Confidence != first.Confidence {
		t.Errorf("cached result differs: %+v vs %+v", second, first)
	}
}

func TestValidate_CacheKeyIncludesSenderIP(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	v := NewEmailValidator(goodResolver("example.com"), &fakeReputation{ip: "good", domain: "good"}, cache)
	v.Validate(context.Background(), "alice@example.com", "192.0.2.10")

	if !mr.Exists("email_validation_alice@example.com_192.0.2.10") {
		t.Error("expected IP-scoped cache key")
	}
}

func TestDomainExists_CachesNegativeLookup(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	v := NewEmailValidator(goodResolver(), nil, cache)
	result := v.Validate(context.Background(), "user@gone.example", "")
	if result.Confidence != 20 {
		t.Fatalf("confidence = %d, want 20", result.Confidence)
	}
	if !mr.Exists("domain_check_gone.example") {
		t.Error("negative domain lookup was not cached")
	}
}
