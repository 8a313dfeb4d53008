// Package profiles loads agent profiles from YAML. A profile is the
// engine configuration applied to calls reaching one or more numbers.
package profiles

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/callbridge/internal/session"
	"github.com/hubenschmidt/callbridge/internal/telephony"
	"github.com/hubenschmidt/callbridge/internal/tools"
)

// ParamProfile is the stream start parameter that selects a profile by name.
const ParamProfile = "profile"

// Profile is a named agent configuration.
type Profile struct {
	Name    string               `yaml:"-"`
	Numbers []string             `yaml:"numbers"`
	Engine  session.EngineConfig `yaml:"engine"`
}

// File is the on-disk layout.
type File struct {
	Default  string                `yaml:"default"`
	Tools    []tools.WebhookConfig `yaml:"tools"`
	Profiles map[string]Profile    `yaml:"profiles"`
}

// Set is a validated collection of profiles indexed by name and number.
type Set struct {
	def      Profile
	byName   map[string]Profile
	byNumber map[string]string
	webhooks []tools.WebhookConfig
}

// Single wraps one engine config as the only and default profile.
func Single(cfg session.EngineConfig) *Set {
	p := Profile{Name: "default", Engine: cfg}
	return &Set{
		def:      p,
		byName:   map[string]Profile{p.Name: p},
		byNumber: map[string]string{},
	}
}

// Load reads a profile file. Environment references like ${API_TOKEN} are
// expanded before parsing.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (*Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	return build(f)
}

func build(f File) (*Set, error) {
	if len(f.Profiles) == 0 {
		return nil, errors.New("profiles: at least one profile is required")
	}
	s := &Set{
		byName:   make(map[string]Profile, len(f.Profiles)),
		byNumber: make(map[string]string),
		webhooks: f.Tools,
	}
	for name, p := range f.Profiles {
		p.Name = name
		switch p.Engine.Mode {
		case "", session.ModeCascaded, session.ModeSpeechToSpeech:
		default:
			return nil, fmt.Errorf("profile %s: unknown mode %q", name, p.Engine.Mode)
		}
		for _, n := range p.Numbers {
			if other, ok := s.byNumber[n]; ok {
				return nil, fmt.Errorf("number %s is assigned to both %s and %s", n, other, name)
			}
			s.byNumber[n] = name
		}
		s.byName[name] = p
	}

	seen := make(map[string]bool, len(f.Tools))
	for _, w := range f.Tools {
		if w.Name == "" || w.URL == "" {
			return nil, errors.New("profiles: webhook tools need a name and url")
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("profiles: duplicate tool %s", w.Name)
		}
		seen[w.Name] = true
	}

	switch {
	case f.Default != "":
		def, ok := s.byName[f.Default]
		if !ok {
			return nil, fmt.Errorf("profiles: default %q is not defined", f.Default)
		}
		s.def = def
	case len(s.byName) == 1:
		for _, p := range s.byName {
			s.def = p
		}
	default:
		return nil, errors.New("profiles: default is required when more than one profile is defined")
	}
	return s, nil
}

// ForCall picks the profile for a call: an explicit profile parameter
// first, then the dialed number, then the default.
func (s *Set) ForCall(info telephony.CallInfo) Profile {
	if name := info.Parameters[ParamProfile]; name != "" {
		if p, ok := s.byName[name]; ok {
			return p
		}
	}
	if name, ok := s.byNumber[info.To]; ok {
		return s.byName[name]
	}
	return s.def
}

func (s *Set) Get(name string) (Profile, bool) {
	p, ok := s.byName[name]
	return p, ok
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterTools adds the file's webhook tools to reg.
func (s *Set) RegisterTools(reg *tools.StaticRegistry, client *http.Client) {
	for _, w := range s.webhooks {
		reg.Register(tools.NewWebhook(w, client))
	}
}
