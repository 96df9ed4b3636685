package firewall

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleDefinition represents one deny rule from the rules file.
type RuleDefinition struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"` // regex matched against the full target URL
	Description string `yaml:"description"`
}

// RulesFile is the on-disk shape of the target rules config.
type RulesFile struct {
	// AllowPrivateHosts disables the built-in loopback/private-range guard.
	// Useful only in development against a local provider mock.
	AllowPrivateHosts bool             `yaml:"allow_private_hosts"`
	Deny              []RuleDefinition `yaml:"deny"`
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// TargetGuard screens scrape/map/crawl targets before any upstream call.
// Blocked targets are treated like malformed ones: no quota, no ledger row.
type TargetGuard struct {
	allowPrivate bool
	deny         []compiledRule
}

// NewTargetGuard builds a guard with only the built-in private-host screen.
func NewTargetGuard() *TargetGuard {
	return &TargetGuard{}
}

// LoadTargetGuard reads a YAML rules file and compiles its deny patterns.
func LoadTargetGuard(path string) (*TargetGuard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target rules file %s: %w", path, err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse target rules file %s: %w", path, err)
	}

	g := &TargetGuard{allowPrivate: file.AllowPrivateHosts}
	for _, def := range file.Deny {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", def.Name, err)
		}
		g.deny = append(g.deny, compiledRule{name: def.Name, re: re})
	}
	return g, nil
}

// Check validates a target URL. A nil return means the target may be
// forwarded upstream.
func (g *TargetGuard) Check(target string) error {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}

	if !g.allowPrivate {
		if err := checkPublicHost(host); err != nil {
			return err
		}
	}
	for _, rule := range g.deny {
		if rule.re.MatchString(target) {
			return fmt.Errorf("target blocked by rule %q", rule.name)
		}
	}
	return nil
}

// checkPublicHost rejects hostnames that would point the provider at the
// gateway's own network: loopback, link-local, and private ranges.
func checkPublicHost(host string) error {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return fmt.Errorf("host %q is not publicly routable", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Names are resolved by the provider, not by the gateway; only
		// literal addresses can be screened here.
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("address %q is not publicly routable", host)
	}
	return nil
}
