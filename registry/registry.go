package registry

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	DefaultTerminalGroup = "zz"
	DefaultTerminalName  = "fin_du_test"
	DefaultInfo          = "No information available for this step."
)

// DefaultGroupPattern matches the ordered step groups s01, s02, ...
var DefaultGroupPattern = regexp.MustCompile(`^s\d+$`)

// Step is a unit of the test sequence.
type Step interface {
	Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error)
}

// Infoer is implemented by steps that describe themselves.
type Infoer interface {
	Info() string
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error)

func (f StepFunc) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	return f(ctx, logf, st)
}

// Candidate is a unit offered to the registry. Units that do not implement
// Step are left out of the sequence.
type Candidate struct {
	Group string
	Name  string
	Unit  any
}

// Entry is a registered step.
type Entry struct {
	// Ordinal is the 1-based position in the sequence.
	Ordinal  int
	ID       string
	Group    string
	Name     string
	Step     Step
	Info     string
	Terminal bool
}

// DisplayName renders an entry for operators, e.g. "02 test des seuils".
func DisplayName(e Entry) string {
	s := e.ID
	if len(s) > 1 && s[0] == 's' && s[1] >= '0' && s[1] <= '9' {
		s = s[1:]
	}
	s = strings.ReplaceAll(s, "_", " ")
	if s != "" {
		s = strings.ToUpper(s[:1]) + s[1:]
	}
	return s
}

// Config contains registry configuration
type Config struct {
	Log     log.Logger
	Catalog []Candidate
	// ManifestFile optionally restricts the catalog to the steps it lists.
	ManifestFile  string
	TerminalGroup string
	TerminalName  string
	GroupPattern  *regexp.Regexp
}

// Registry holds the ordered step sequence.
type Registry struct {
	config  Config
	entries []Entry
	mu      sync.RWMutex
}

// NewRegistry builds the sequence from the catalog.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.TerminalGroup == "" {
		cfg.TerminalGroup = DefaultTerminalGroup
	}
	if cfg.TerminalName == "" {
		cfg.TerminalName = DefaultTerminalName
	}
	if cfg.GroupPattern == nil {
		cfg.GroupPattern = DefaultGroupPattern
	}

	r := &Registry{config: cfg}
	if err := r.discover(); err != nil {
		return nil, err
	}
	cfg.Log.Debug("Registry loaded", "len(steps)", len(r.entries))
	return r, nil
}

// Discover rebuilds the sequence from the catalog, re-reading the manifest,
// and returns it. The previous sequence is kept when discovery fails.
func (r *Registry) Discover() ([]Entry, error) {
	if err := r.discover(); err != nil {
		return nil, err
	}
	return r.Entries(), nil
}

func (r *Registry) discover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.config.Catalog
	var overrides map[string]string
	if r.config.ManifestFile != "" {
		m, err := loadManifest(r.config.ManifestFile)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		candidates, overrides = m.apply(r.config.Log, candidates, r.config.TerminalGroup, r.config.TerminalName)
	}

	seen := make(map[string]bool)
	var (
		steps    []Entry
		terminal *Entry
	)
	for _, c := range candidates {
		key := c.Group + "/" + c.Name
		if seen[key] {
			return fmt.Errorf("duplicate step %s", key)
		}
		seen[key] = true

		isTerminalGroup := c.Group == r.config.TerminalGroup
		if !isTerminalGroup && !r.config.GroupPattern.MatchString(c.Group) {
			r.config.Log.Debug("Ignoring step outside ordered groups", "group", c.Group, "name", c.Name)
			continue
		}
		step, ok := c.Unit.(Step)
		if !ok {
			r.config.Log.Debug("Ignoring unit without run entry point", "group", c.Group, "name", c.Name)
			continue
		}
		e := Entry{
			ID:    c.Group + "_" + c.Name,
			Group: c.Group,
			Name:  c.Name,
			Step:  step,
			Info:  DefaultInfo,
		}
		if in, ok := c.Unit.(Infoer); ok {
			if info := in.Info(); info != "" {
				e.Info = info
			}
		}
		if info, ok := overrides[key]; ok && info != "" {
			e.Info = info
		}
		if isTerminalGroup && c.Name == r.config.TerminalName {
			e.ID = c.Name
			e.Terminal = true
			terminal = &e
			continue
		}
		steps = append(steps, e)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Group != steps[j].Group {
			return steps[i].Group < steps[j].Group
		}
		return steps[i].Name < steps[j].Name
	})
	if terminal != nil {
		steps = append(steps, *terminal)
	}
	for i := range steps {
		steps[i].Ordinal = i + 1
	}
	r.entries = steps
	return nil
}

// Entries returns the ordered sequence.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Terminal returns the cleanup step, if one is registered.
func (r *Registry) Terminal() (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := len(r.entries); n > 0 && r.entries[n-1].Terminal {
		return r.entries[n-1], true
	}
	return Entry{}, false
}

// Lookup finds an entry by id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// manifest selects catalog steps from a YAML file:
//
//	steps:
//	  - group: s02
//	    name: test_des_seuils
//	    info: Checks the radar thresholds.
type manifest struct {
	Steps []manifestStep `yaml:"steps"`
}

type manifestStep struct {
	Group string `yaml:"group"`
	Name  string `yaml:"name"`
	Info  string `yaml:"info,omitempty"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest file: %w", err)
	}
	return &m, nil
}

// apply keeps the catalog candidates the manifest names, plus the terminal
// step which always runs.
func (m *manifest) apply(lg log.Logger, catalog []Candidate, terminalGroup, terminalName string) ([]Candidate, map[string]string) {
	want := make(map[string]string, len(m.Steps))
	for _, s := range m.Steps {
		want[s.Group+"/"+s.Name] = s.Info
	}
	known := make(map[string]bool, len(catalog))
	var out []Candidate
	for _, c := range catalog {
		key := c.Group + "/" + c.Name
		known[key] = true
		_, listed := want[key]
		if listed || (c.Group == terminalGroup && c.Name == terminalName) {
			out = append(out, c)
		}
	}
	for _, s := range m.Steps {
		if !known[s.Group+"/"+s.Name] {
			lg.Warn("Manifest names an unknown step", "group", s.Group, "name", s.Name)
		}
	}
	return out, want
}
