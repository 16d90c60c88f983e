package session

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	scoreSuspiciousAgent = 30
	scoreAnonymizer      = 40
	scoreOffHours        = 10
	maxRiskScore         = 100

	// LowRiskThreshold is the first score no longer considered low risk.
	LowRiskThreshold = 30
)

// LowRisk reports whether score is below LowRiskThreshold.
func LowRisk(score int) bool { return score < LowRiskThreshold }

// BusinessHours is a daily [Start, End) hour window in Location. End <= Start wraps
// past midnight.
type BusinessHours struct {
	Start    int
	End      int
	Location *time.Location
}

func (b BusinessHours) Contains(t time.Time) bool {
	if b.Start == b.End {
		return true
	}
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	if b.Start < b.End {
		return h >= b.Start && h < b.End
	}
	return h >= b.Start || h < b.End
}

// RiskPolicy scores request context. It is a pure function of its input.
type RiskPolicy struct {
	SuspiciousAgents []string
	AnonymizerNets   []netip.Prefix
	TrustedNets      []netip.Prefix
	BusinessHours    BusinessHours
}

func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		SuspiciousAgents: []string{"curl", "wget", "python-requests", "headless", "bot", "spider", "scrapy"},
		BusinessHours:    BusinessHours{Start: 8, End: 20, Location: time.UTC},
	}
}

type RiskInput struct {
	UserAgent  string
	IPAddress  string
	Anonymizer bool
	At         time.Time
}

// Score returns a 0..100 risk estimate.
func (p RiskPolicy) Score(in RiskInput) int {
	score := 0
	ua := strings.ToLower(in.UserAgent)
	for _, s := range p.SuspiciousAgents {
		if s != "" && strings.Contains(ua, strings.ToLower(s)) {
			score += scoreSuspiciousAgent
			break
		}
	}
	if in.Anonymizer || inNets(p.AnonymizerNets, in.IPAddress) {
		score += scoreAnonymizer
	}
	if !in.At.IsZero() && !p.InBusinessHours(in.At) {
		score += scoreOffHours
	}
	if score > maxRiskScore {
		score = maxRiskScore
	}
	return score
}

func (p RiskPolicy) InBusinessHours(t time.Time) bool {
	return p.BusinessHours.Contains(t)
}

// Trusted reports whether ip falls inside a configured trusted network.
func (p RiskPolicy) Trusted(ip string) bool {
	return inNets(p.TrustedNets, ip)
}

func inNets(nets []netip.Prefix, ip string) bool {
	if len(nets) == 0 || ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// ParsePrefixes parses CIDRs; a bare address is treated as a single-host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, fmt.Errorf("%w: bad address %q", ErrInvalidInput, v)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cidr %q", ErrInvalidInput, v)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
