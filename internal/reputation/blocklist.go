package reputation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BlocklistEntry is one known-bad indicator
type BlocklistEntry struct {
	Kind       IndicatorKind `yaml:"kind"`
	Value      string        `yaml:"value"`
	Detections int           `yaml:"detections"`
	Source     string        `yaml:"source"`
}

type blocklistFile struct {
	Entries []BlocklistEntry `yaml:"entries"`
}

// Blocklist is an offline reputation source loaded from a YAML file
type Blocklist struct {
	mu      sync.RWMutex
	name    string
	entries map[Indicator]BlocklistEntry
}

// NewBlocklist builds a blocklist from entries
func NewBlocklist(name string, entries []BlocklistEntry) (*Blocklist, error) {
	b := &Blocklist{name: name, entries: make(map[Indicator]BlocklistEntry, len(entries))}
	for i, e := range entries {
		switch e.Kind {
		case KindHash, KindIP, KindDomain:
		default:
			return nil, fmt.Errorf("entry %d: invalid kind %q", i, e.Kind)
		}
		if strings.TrimSpace(e.Value) == "" {
			return nil, fmt.Errorf("entry %d: value is required", i)
		}
		if e.Detections <= 0 {
			e.Detections = 1
		}
		if e.Source == "" {
			e.Source = name
		}
		b.entries[normalize(Indicator{Kind: e.Kind, Value: e.Value})] = e
	}
	return b, nil
}

// LoadBlocklist reads a blocklist document:
//
//	entries:
//	  - kind: hash
//	    value: 44d88612fea8a8f36de82e1278abb02f
//	    detections: 60
func LoadBlocklist(path string) (*Blocklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocklist %s: %w", path, err)
	}
	var doc blocklistFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse blocklist %s: %w", path, err)
	}
	b, err := NewBlocklist("blocklist", doc.Entries)
	if err != nil {
		return nil, fmt.Errorf("invalid blocklist %s: %w", path, err)
	}
	return b, nil
}

// Len returns the number of entries
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Lookup never fails; unknown indicators come back as not found
func (b *Blocklist) Lookup(ctx context.Context, indicators []Indicator) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]Result, len(indicators))
	for i, ind := range indicators {
		results[i] = Result{Indicator: ind}
		if e, ok := b.entries[normalize(ind)]; ok {
			results[i].Found = true
			results[i].DetectionCount = e.Detections
			results[i].Source = e.Source
		}
	}
	return results, nil
}

func normalize(ind Indicator) Indicator {
	return Indicator{Kind: ind.Kind, Value: strings.ToLower(strings.TrimSpace(ind.Value))}
}
