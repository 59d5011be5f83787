// Package reputation extracts indicators of compromise from artifacts and
// checks them against reputation sources.
package reputation

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

// IndicatorKind is the type of an indicator
type IndicatorKind string

const (
	KindHash   IndicatorKind = "hash"
	KindIP     IndicatorKind = "ip"
	KindDomain IndicatorKind = "domain"
)

// Indicator is one value worth checking against a reputation source
type Indicator struct {
	Kind  IndicatorKind `json:"kind" yaml:"kind"`
	Value string        `json:"value" yaml:"value"`
}

func (i Indicator) String() string {
	return string(i.Kind) + ":" + i.Value
}

// maxEmbedded bounds indicators pulled out of artifact content per kind
const maxEmbedded = 64

var (
	ipPattern     = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+([a-zA-Z]{2,})\b`)
	hashPattern   = regexp.MustCompile(`\b(?:[0-9a-fA-F]{64}|[0-9a-fA-F]{40}|[0-9a-fA-F]{32})\b`)
)

// Module paths such as os.system look like domains, so only hosts under
// these TLDs are kept.
var domainTLDs = map[string]struct{}{
	"com": {}, "net": {}, "org": {}, "io": {}, "info": {}, "biz": {},
	"ru": {}, "cn": {}, "su": {}, "xyz": {}, "top": {}, "cc": {},
	"tk": {}, "pw": {}, "me": {}, "co": {}, "onion": {}, "site": {},
	"online": {}, "club": {}, "link": {}, "sh": {}, "app": {}, "dev": {},
}

var benignDomains = []string{
	"localhost", "example.com", "test.com", "github.com", "python.org",
	"pypi.org", "pytorch.org", "tensorflow.org", "huggingface.co",
}

// FileHashes returns md5, sha1 and sha256 of content as hash indicators
func FileHashes(content []byte) []Indicator {
	out, _ := HashReader(bytes.NewReader(content))
	return out
}

// HashReader streams r through md5, sha1 and sha256, in that order
func HashReader(r io.Reader) ([]Indicator, error) {
	m, s1, s256 := md5.New(), sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(m, s1, s256), r); err != nil {
		return nil, err
	}
	return []Indicator{
		{Kind: KindHash, Value: hex.EncodeToString(m.Sum(nil))},
		{Kind: KindHash, Value: hex.EncodeToString(s1.Sum(nil))},
		{Kind: KindHash, Value: hex.EncodeToString(s256.Sum(nil))},
	}, nil
}

// ExtractIndicators returns the file hashes of content followed by its
// embedded indicators
func ExtractIndicators(content []byte) []Indicator {
	return Merge(FileHashes(content), EmbeddedIndicators(content))
}

// Merge concatenates indicator lists, keeping the first occurrence of each
func Merge(lists ...[]Indicator) []Indicator {
	var out []Indicator
	seen := make(map[Indicator]struct{})
	for _, list := range lists {
		for _, ind := range list {
			if _, dup := seen[ind]; dup {
				continue
			}
			seen[ind] = struct{}{}
			out = append(out, ind)
		}
	}
	return out
}

// EmbeddedIndicators returns public IPs, non-benign domains and hash strings
// found in content, each kind sorted, deduplicated and capped
func EmbeddedIndicators(content []byte) []Indicator {
	var out []Indicator
	seen := make(map[Indicator]struct{})
	add := func(kind IndicatorKind, values []string) {
		sort.Strings(values)
		n := 0
		for _, v := range values {
			ind := Indicator{Kind: kind, Value: v}
			if _, dup := seen[ind]; dup {
				continue
			}
			if n >= maxEmbedded {
				return
			}
			seen[ind] = struct{}{}
			out = append(out, ind)
			n++
		}
	}

	text := string(content)

	var ips []string
	for _, m := range ipPattern.FindAllString(text, -1) {
		if isPublicIP(m) {
			ips = append(ips, m)
		}
	}
	add(KindIP, ips)

	var domains []string
	for _, m := range domainPattern.FindAllStringSubmatch(text, -1) {
		host := strings.ToLower(m[0])
		if _, ok := domainTLDs[strings.ToLower(m[1])]; !ok || isBenignDomain(host) {
			continue
		}
		domains = append(domains, host)
	}
	add(KindDomain, domains)

	var hashes []string
	for _, m := range hashPattern.FindAllString(text, -1) {
		hashes = append(hashes, strings.ToLower(m))
	}
	add(KindHash, hashes)

	return out
}

func isPublicIP(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsMulticast())
}

func isBenignDomain(host string) bool {
	for _, b := range benignDomains {
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}
