package reputation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrNoSource means no reputation source is configured
var ErrNoSource = errors.New("no reputation source configured")

// ParseIndicator validates a user supplied indicator. Hashes must be md5,
// sha1 or sha256 hex; ips must parse; domains need a dot and a letter TLD.
func ParseIndicator(kind IndicatorKind, value string) (Indicator, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch kind {
	case KindHash:
		if value == "" || hashPattern.FindString(value) != value {
			return Indicator{}, fmt.Errorf("invalid hash %q, must be md5, sha1 or sha256 hex", value)
		}
	case KindIP:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return Indicator{}, fmt.Errorf("invalid ip %q: %w", value, err)
		}
		value = addr.String()
	case KindDomain:
		value = strings.TrimSuffix(value, ".")
		if value == "" || domainPattern.FindString(value) != value {
			return Indicator{}, fmt.Errorf("invalid domain %q", value)
		}
	default:
		return Indicator{}, fmt.Errorf("invalid indicator kind %q, must be hash/ip/domain", kind)
	}
	return Indicator{Kind: kind, Value: value}, nil
}

// CheckResult is the outcome of an ad hoc indicator lookup
type CheckResult struct {
	Results    []Result `json:"results"`
	Detections int      `json:"detections"`
	Malicious  bool     `json:"malicious"`
}

// Check looks indicators up outside of a scan
func Check(ctx context.Context, l Lookup, indicators []Indicator) (*CheckResult, error) {
	if l == nil {
		return nil, ErrNoSource
	}
	if len(indicators) == 0 {
		return nil, errors.New("at least one indicator is required")
	}
	results, err := l.Lookup(ctx, indicators)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup failed: %w", err)
	}
	out := &CheckResult{Results: results}
	for _, r := range results {
		if r.Found && r.DetectionCount > 0 {
			out.Detections++
		}
	}
	out.Malicious = out.Detections > 0
	return out, nil
}
