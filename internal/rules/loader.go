package rules

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultRules embed.FS

// Loader reads rule documents and keeps the current compiled Ruleset
type Loader struct {
	rulesDir     string
	fsys         fs.FS
	root         string
	hotReload    bool
	debounceMs   int
	pollInterval time.Duration
	logger       *slog.Logger
	validator    *SchemaValidator

	mu       sync.RWMutex
	snapshot *RuleSnapshot
	ruleset  *Ruleset
	watchers []chan struct{}
}

// NewLoader creates a loader for rulesDir. An empty rulesDir selects the
// embedded default rules; hot reload only applies to a real directory.
func NewLoader(rulesDir string, hotReload bool, debounceMs int, logger *slog.Logger) (*Loader, error) {
	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	l := &Loader{
		rulesDir:     rulesDir,
		hotReload:    hotReload && rulesDir != "",
		debounceMs:   debounceMs,
		pollInterval: 2 * time.Second,
		logger:       logger,
		validator:    validator,
	}
	if rulesDir == "" {
		l.fsys = defaultRules
		l.root = "defaults"
	} else {
		l.fsys = os.DirFS(rulesDir)
		l.root = "."
	}
	return l, nil
}

// Source names where rules are read from
func (l *Loader) Source() string {
	if l.rulesDir == "" {
		return "embedded defaults"
	}
	return l.rulesDir
}

// LoadSnapshot loads every rule file, validates it and compiles a new
// Ruleset. Files and documents that fail are skipped and recorded on the
// Ruleset; only an unreadable rules directory is an error.
func (l *Loader) LoadSnapshot() (*RuleSnapshot, error) {
	l.logger.Info("Loading rules snapshot", "source", l.Source())

	ruleFiles, err := l.readRuleFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule files: %w", err)
	}

	var loadErrors []error
	ruleMap := make(map[string]Rule)

	for _, file := range ruleFiles {
		rules, errs := l.loadRulesFromFile(file)
		for _, err := range errs {
			l.logger.Warn("Invalid rule document skipped", "file", file, "error", err)
			loadErrors = append(loadErrors, fmt.Errorf("%w: %s: %v", ErrRuleEngine, file, err))
		}

		for _, rule := range rules {
			if !rule.IsEnabled() {
				l.logger.Debug("Skipping disabled rule", "rule_id", rule.Metadata.ID, "file", file)
				continue
			}

			if err := rule.Validate(); err != nil {
				l.logger.Warn("Invalid rule skipped", "rule_id", rule.Metadata.ID, "file", file, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("%w: %s: rule %s: %v", ErrRuleEngine, file, rule.Metadata.ID, err))
				continue
			}

			// Later filename wins
			if existing, exists := ruleMap[rule.Metadata.ID]; exists {
				l.logger.Info("Rule ID conflict resolved by filename override",
					"rule_id", rule.Metadata.ID,
					"new_file", file,
					"old_file", existing.SourceFile)
			}

			rule.SourceFile = l.displayPath(file)
			ruleMap[rule.Metadata.ID] = rule
		}
	}

	allRules := make([]Rule, 0, len(ruleMap))
	for _, rule := range ruleMap {
		allRules = append(allRules, rule)
	}
	sort.Slice(allRules, func(i, j int) bool {
		return allRules[i].Metadata.ID < allRules[j].Metadata.ID
	})

	snapshot := &RuleSnapshot{
		Rules:   allRules,
		Version: time.Now().UnixNano(),
	}
	ruleset := Compile(snapshot, loadErrors...)
	for _, err := range ruleset.Errors[len(loadErrors):] {
		l.logger.Warn("Rule failed to compile", "error", err)
	}

	l.logger.Info("Rules snapshot loaded",
		"total_rules", len(allRules),
		"patterns", len(ruleset.Patterns),
		"taxonomy_groups", len(ruleset.Taxonomy),
		"errors", len(ruleset.Errors),
		"version", snapshot.Version)

	l.mu.Lock()
	l.snapshot = snapshot
	l.ruleset = ruleset
	l.mu.Unlock()

	l.notifyWatchers()

	return snapshot, nil
}

// GetSnapshot returns a copy of the current rules snapshot
func (l *Loader) GetSnapshot() *RuleSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &RuleSnapshot{Rules: []Rule{}, Version: 0}
	}

	rules := make([]Rule, len(l.snapshot.Rules))
	copy(rules, l.snapshot.Rules)

	return &RuleSnapshot{
		Rules:   rules,
		Version: l.snapshot.Version,
	}
}

// Ruleset returns the current compiled ruleset, nil before the first load.
// Callers hold on to the returned pointer for the duration of one scan.
func (l *Loader) Ruleset() *Ruleset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ruleset
}

// WatchForChanges polls the rules directory until ctx is done (if hot reload is enabled)
func (l *Loader) WatchForChanges(ctx context.Context) error {
	if !l.hotReload {
		l.logger.Info("Hot reload disabled")
		return nil
	}

	l.logger.Info("Starting rule file watcher", "rules_dir", l.rulesDir)

	reloadChan := make(chan struct{}, 1)
	go l.watchFiles(ctx, reloadChan)
	go l.debouncedReload(ctx, reloadChan)

	return nil
}

// Subscribe returns a channel that receives notifications when rules change
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	// Current snapshot counts as a change
	ch <- struct{}{}

	return ch
}

// readRuleFiles lists rule files sorted by name
func (l *Loader) readRuleFiles() ([]string, error) {
	var files []string

	err := fs.WalkDir(l.fsys, l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isRuleFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func (l *Loader) displayPath(file string) string {
	if l.rulesDir == "" {
		return file
	}
	return filepath.Join(l.rulesDir, filepath.FromSlash(file))
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

// loadRulesFromFile decodes a file holding one document, a list of documents
// or a `---` separated stream. Every document is checked against the schema.
func (l *Loader) loadRulesFromFile(filename string) ([]Rule, []error) {
	data, err := fs.ReadFile(l.fsys, filename)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read file: %w", err)}
	}

	docs, err := decodeDocuments(data)
	if err != nil {
		return nil, []error{err}
	}

	var (
		rules []Rule
		errs  []error
	)
	for i, doc := range docs {
		if err := l.validator.Validate(doc); err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		rule, err := decodeRule(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		rules = append(rules, rule)
	}

	l.logger.Debug("Loaded rules from file", "file", filename, "count", len(rules))
	return rules, errs
}

// decodeDocuments flattens YAML (a JSON file is valid YAML) into raw documents
func decodeDocuments(data []byte) ([]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []any
	for {
		var doc any
		err := dec.Decode(&doc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		switch v := doc.(type) {
		case nil:
		case []any:
			docs = append(docs, v...)
		default:
			docs = append(docs, v)
		}
	}
	return docs, nil
}

func decodeRule(doc any) (Rule, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Rule{}, err
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return Rule{}, fmt.Errorf("failed to decode rule: %w", err)
	}
	return rule, nil
}

// watchFiles polls modification times and file count
func (l *Loader) watchFiles(ctx context.Context, reloadChan chan struct{}) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	lastModTime, lastCount := l.scanModTimes()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		modTime, count := l.scanModTimes()
		if modTime.After(lastModTime) || count != lastCount {
			lastModTime, lastCount = modTime, count
			l.logger.Info("Rule files changed, triggering reload")
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		}
	}
}

func (l *Loader) scanModTimes() (time.Time, int) {
	var latest time.Time
	count := 0
	err := fs.WalkDir(l.fsys, l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleFile(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		l.logger.Error("Error watching files", "error", err)
	}
	return latest, count
}

// debouncedReload coalesces bursts of changes into one reload
func (l *Loader) debouncedReload(ctx context.Context, reloadChan chan struct{}) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadChan:
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
			l.logger.Info("Debounced reload triggered")
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload rules", "error", err)
			}
		})
	}
}

// notifyWatchers notifies all subscribed watchers
func (l *Loader) notifyWatchers() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
