package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// EMAIL VALIDATOR
// =============================================================================
// Multi-stage validation producing a 0-100 confidence score:
//   1. syntax        (hard fail: confidence 0, stop)
//   2. domain exists (hard fail: confidence 20, stop)
//   3. MX records    (hard fail: confidence 30, stop)
//   4. disposable / role-account / typo heuristics (soft, penalty each)
//   5. optional sender-IP and domain reputation (soft, penalty each)
// Results are cached in Redis: 1h for negative outcomes, 24h for positive
// domain/MX lookups. Any unexpected failure yields status "unknown" with
// confidence 0 rather than an error to the caller.

// Validation status values.
const (
	ValidationStatusValid   = "valid"
	ValidationStatusRisky   = "risky"
	ValidationStatusInvalid = "invalid"
	ValidationStatusUnknown = "unknown"
)

// Penalty points subtracted from the starting confidence of 100.
const (
	penaltySyntax            = 100
	penaltyDomain            = 50
	penaltyMX                = 40
	penaltyDisposable        = 30
	penaltyRoleAccount       = 20
	penaltyTypo              = 25
	penaltyIPPoor            = 40
	penaltyIPNeutral         = 20
	penaltyDomainRepPoor     = 35
	penaltyDomainRepSuspect  = 20
	maxEmailLength           = 254
	dnsLookupTimeout         = 5 * time.Second
	negativeCacheTTL         = 1 * time.Hour
	positiveCacheTTL         = 24 * time.Hour
)

var emailSyntaxRe = regexp.MustCompile(
	"^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?" +
		"(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$")

// disposableDomains are throwaway providers whose addresses rarely survive.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"tempmail.com":      true,
	"throwawaymail.com": true,
	"10minutemail.com":  true,
	"yopmail.com":       true,
	"temp-mail.org":     true,
	"maildrop.cc":       true,
}

// roleAccounts are local parts that address a function, not a person.
var roleAccounts = map[string]bool{
	"admin":      true,
	"info":       true,
	"support":    true,
	"sales":      true,
	"contact":    true,
	"help":       true,
	"service":    true,
	"webmaster":  true,
	"postmaster": true,
	"hostmaster": true,
	"abuse":      true,
}

// typoDomains maps common misspellings to the intended provider.
var typoDomains = map[string]string{
	"gmial.com":   "gmail.com",
	"gamil.com":   "gmail.com",
	"gmal.com":    "gmail.com",
	"hotmial.com": "hotmail.com",
	"hotmal.com":  "hotmail.com",
	"yaho.com":    "yahoo.com",
	"outloo.com":  "outlook.com",
	"iclou.com":   "icloud.com",
}

// ValidationChecks records the outcome of each individual validation stage.
type ValidationChecks struct {
	Syntax           bool   `json:"syntax"`
	DomainExists     bool   `json:"domain_exists"`
	MXRecords        bool   `json:"mx_records"`
	Disposable       bool   `json:"disposable"`
	RoleAccount      bool   `json:"role_account"`
	Typo             bool   `json:"typo"`
	TypoSuggestion   string `json:"typo_suggestion,omitempty"`
	IPReputation     string `json:"ip_reputation,omitempty"`
	DomainReputation string `json:"domain_reputation,omitempty"`
}

// ValidationResult is the outcome of validating one email address.
type ValidationResult struct {
	Email      string           `json:"email"`
	IsValid    bool             `json:"is_valid"`
	Status     string           `json:"status"`
	Confidence int              `json:"confidence"`
	Checks     ValidationChecks `json:"checks"`
	Error      string           `json:"error,omitempty"`
}

// DNSResolver abstracts the DNS lookups the validator performs. *net.Resolver
// satisfies it; tests substitute a fixture.
type DNSResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// ReputationChecker abstracts the optional sender-IP and domain reputation
// lookups. See DNSBLChecker for the production implementation.
type ReputationChecker interface {
	CheckIPReputation(ctx context.Context, ip string) (string, error)     // poor | neutral | good
	CheckDomainReputation(ctx context.Context, domain string) (string, error) // poor | suspicious | good
}

// EmailValidator validates addresses through the staged pipeline.
type EmailValidator struct {
	resolver   DNSResolver
	reputation ReputationChecker
	cache      *redis.Client
}

// NewEmailValidator creates a validator. cache and reputation may be nil, in
// which case caching and reputation stages are skipped.
func NewEmailValidator(resolver DNSResolver, reputation ReputationChecker, cache *redis.Client) *EmailValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &EmailValidator{
		resolver:   resolver,
		reputation: reputation,
		cache:      cache,
	}
}

// Validate runs the full pipeline for one address. senderIP is optional;
// when present the result is additionally keyed and scored on it. Validate
// never returns an error: unexpected failures surface as status "unknown".
func (v *EmailValidator) Validate(ctx context.Context, email, senderIP string) ValidationResult {
	email = strings.ToLower(strings.TrimSpace(email))

	cacheKey := "email_validation_" + email
	if senderIP != "" {
		cacheKey += "_" + senderIP
	}
	if cached, ok := v.cachedResult(ctx, cacheKey); ok {
		return cached
	}

	result := v.validate(ctx, email, senderIP)

	ttl := negativeCacheTTL
	if result.Status == ValidationStatusValid {
		ttl = positiveCacheTTL
	}
	v.storeResult(ctx, cacheKey, result, ttl)

	return result
}

func (v *EmailValidator) validate(ctx context.Context, email, senderIP string) ValidationResult {
	result := ValidationResult{Email: email}
	confidence := 100

	// Stage 1: syntax. Hard failure, nothing else is worth checking.
	if len(email) > maxEmailLength || !emailSyntaxRe.MatchString(email) {
		result.Status = ValidationStatusInvalid
		result.Confidence = 0
		return result
	}
	result.Checks.Syntax = true

	at := strings.LastIndex(email, "@")
	local, domain := email[:at], email[at+1:]

	// Stage 2: domain resolution.
	exists, err := v.domainExists(ctx, domain)
	if err != nil {
		return unknownResult(email, result.Checks, err)
	}
	if !exists {
		result.Status = ValidationStatusInvalid
		result.Confidence = 20
		return result
	}
	result.Checks.DomainExists = true

	// Stage 3: MX records.
	hasMX, err := v.hasMXRecords(ctx, domain)
	if err != nil {
		return unknownResult(email, result.Checks, err)
	}
	if !hasMX {
		result.Status = ValidationStatusInvalid
		result.Confidence = 30
		return result
	}
	result.Checks.MXRecords = true

	// Stage 4: heuristics. Independent, non-stopping.
	if disposableDomains[domain] {
		result.Checks.Disposable = true
		confidence -= penaltyDisposable
	}
	if roleAccounts[local] {
		result.Checks.RoleAccount = true
		confidence -= penaltyRoleAccount
	}
	if correct, ok := typoDomains[domain]; ok {
		result.Checks.Typo = true
		result.Checks.TypoSuggestion = local + "@" + correct
		confidence -= penaltyTypo
	}

	// Stage 5: reputation, when a checker is wired.
	if v.reputation != nil {
		if senderIP != "" {
			rep, err := v.reputation.CheckIPReputation(ctx, senderIP)
			if err != nil {
				log.Printf("[EmailValidator] IP reputation check failed for %s: %v", senderIP, err)
			} else {
				result.Checks.IPReputation = rep
				switch rep {
				case "poor":
					confidence -= penaltyIPPoor
				case "neutral":
					confidence -= penaltyIPNeutral
				}
			}
		}
		rep, err := v.reputation.CheckDomainReputation(ctx, domain)
		if err != nil {
			log.Printf("[EmailValidator] domain reputation check failed for %s: %v", domain, err)
		} else {
			result.Checks.DomainReputation = rep
			switch rep {
			case "poor":
				confidence -= penaltyDomainRepPoor
			case "suspicious":
				confidence -= penaltyDomainRepSuspect
			}
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	result.Confidence = confidence

	switch {
	case confidence < 30:
		result.Status = ValidationStatusInvalid
	case confidence < 70:
		result.Status = ValidationStatusRisky
	default:
		result.Status = ValidationStatusValid
		result.IsValid = true
	}
	return result
}

func unknownResult(email string, checks ValidationChecks, err error) ValidationResult {
	return ValidationResult{
		Email:      email,
		Status:     ValidationStatusUnknown,
		Confidence: 0,
		Checks:     checks,
		Error:      err.Error(),
	}
}

// domainExists resolves the domain to at least one address, caching the
// outcome (24h positive, 1h negative).
func (v *EmailValidator) domainExists(ctx context.Context, domain string) (bool, error) {
	key := "domain_check_" + domain
	if val, ok := v.cachedBool(ctx, key); ok {
		return val, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupHost(lookupCtx, domain)
	if err != nil {
		if isNotFound(err) {
			v.storeBool(ctx, key, false, negativeCacheTTL)
			return false, nil
		}
		return false, fmt.Errorf("domain lookup failed: %w", err)
	}

	exists := len(addrs) > 0
	ttl := positiveCacheTTL
	if !exists {
		ttl = negativeCacheTTL
	}
	v.storeBool(ctx, key, exists, ttl)
	return exists, nil
}

// hasMXRecords checks for at least one MX record, with the same cache policy
// as domainExists.
func (v *EmailValidator) hasMXRecords(ctx context.Context, domain string) (bool, error) {
	key := "mx_check_" + domain
	if val, ok := v.cachedBool(ctx, key); ok {
		return val, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
	defer cancel()

	records, err := v.resolver.LookupMX(lookupCtx, domain)
	if err != nil {
		if isNotFound(err) {
			v.storeBool(ctx, key, false, negativeCacheTTL)
			return false, nil
		}
		return false, fmt.Errorf("MX lookup failed: %w", err)
	}

	hasMX := len(records) > 0
	ttl := positiveCacheTTL
	if !hasMX {
		ttl = negativeCacheTTL
	}
	v.storeBool(ctx, key, hasMX, ttl)
	return hasMX, nil
}

// isNotFound distinguishes "name does not exist" from transient resolver
// failures, which must not be cached as negatives.
func isNotFound(err error) bool {
	if de, ok := err.(*net.DNSError); ok {
		return de.IsNotFound
	}
	return false
}

// ── cache helpers ────────────────────────────────────────────────────────────

func (v *EmailValidator) cachedResult(ctx context.Context, key string) (ValidationResult, bool) {
	if v.cache == nil {
		return ValidationResult{}, false
	}
	data, err := v.cache.Get(ctx, key).Bytes()
	if err != nil {
		return ValidationResult{}, false
	}
	var result ValidationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return ValidationResult{}, false
	}
	return result, true
}

func (v *EmailValidator) storeResult(ctx context.Context, key string, result ValidationResult, ttl time.Duration) {
	if v.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Printf("[EmailValidator] cache write failed for %s: %v", key, err)
	}
}

func (v *EmailValidator) cachedBool(ctx context.Context, key string) (bool, bool) {
	if v.cache == nil {
		return false, false
	}
	val, err := v.cache.Get(ctx, key).Result()
	if err != nil {
		return false, false
	}
	return val == "1", true
}

func (v *EmailValidator) storeBool(ctx context.Context, key string, val bool, ttl time.Duration) {
	if v.cache == nil {
		return
	}
	s := "0"
	if val {
		s = "1"
	}
	if err := v.cache.Set(ctx, key, s, ttl).Err(); err != nil {
		log.Printf("[EmailValidator] cache write failed for %s: %v", key, err)
	}
}
