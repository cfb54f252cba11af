package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderResponses = "responses"
	ProviderChat      = "chat"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

var ErrUnknownID = errors.New("config: unknown id")

// Service is one translation backend. Pointer fields override the global
// setting of the same name when set.
type Service struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	Vision           *bool    `yaml:"vision,omitempty"`
	MaxTokens        *int     `yaml:"max_tokens,omitempty"`
	Retries          *int     `yaml:"retries,omitempty"`
	Stream           *bool    `yaml:"stream,omitempty"`
	ImageCompression *bool    `yaml:"image_compression,omitempty"`
	ImageQuality     *float64 `yaml:"image_quality,omitempty"`
}

// Key resolves the API key: the literal value first, then the named
// environment variable.
func (s Service) Key() string {
	if strings.TrimSpace(s.APIKey) != "" {
		return strings.TrimSpace(s.APIKey)
	}
	if s.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(s.APIKeyEnv))
	}
	return ""
}

type Prompt struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
}

type Config struct {
	TargetLanguage   string    `yaml:"target_language"`
	ActiveService    string    `yaml:"active_service"`
	ActivePrompt     string    `yaml:"active_prompt"`
	Vision           bool      `yaml:"vision"`
	MaxTokens        int       `yaml:"max_tokens"`
	Retries          int       `yaml:"retries"`
	Stream           bool      `yaml:"stream"`
	ImageCompression bool      `yaml:"image_compression"`
	ImageQuality     float64   `yaml:"image_quality"`
	Timeout          int       `yaml:"timeout"`
	Services         []Service `yaml:"services"`
	Prompts          []Prompt  `yaml:"prompts"`
	DataDir          string    `yaml:"data_dir,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

func Default() *Config {
	return &Config{
		TargetLanguage:   "zh-CN",
		ActiveService:    "openai",
		ActivePrompt:     "default",
		Vision:           true,
		MaxTokens:        0,
		Retries:          2,
		Stream:           true,
		ImageCompression: true,
		ImageQuality:     0.8,
		Timeout:          120,
		Services: []Service{
			{ID: "openai", Name: "OpenAI Responses", Provider: ProviderResponses, BaseURL: "https://api.openai.com/v1", Model: "gpt-4.1-mini", APIKeyEnv: "OPENAI_API_KEY"},
			{ID: "openai-chat", Name: "OpenAI Chat", Provider: ProviderChat, BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY"},
			{ID: "anthropic", Name: "Anthropic", Provider: ProviderAnthropic, Model: "claude-3-5-haiku-latest", APIKeyEnv: "ANTHROPIC_API_KEY"},
			{ID: "ollama", Name: "Ollama (local)", Provider: ProviderOllama, BaseURL: "http://localhost:11434", Model: "llama3.2", Vision: boolPtr(false)},
		},
		Prompts: []Prompt{
			{ID: "default", Name: "Default", Template: ""},
			{ID: "technical", Name: "Technical", Template: "Translate this technical document into {{target_language}}. Keep product names, identifiers and code untouched.\n\n{{text}}"},
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/transpad/config.yaml or its platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "transpad", "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.DataDir = filepath.Dir(path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Ensure defaults for zero values
	def := Default()
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = def.TargetLanguage
	}
	if len(cfg.Services) == 0 {
		cfg.Services = def.Services
	}
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = def.Prompts
	}
	if cfg.findService(cfg.ActiveService) < 0 {
		cfg.ActiveService = cfg.Services[0].ID
	}
	if cfg.findPrompt(cfg.ActivePrompt) < 0 {
		cfg.ActivePrompt = cfg.Prompts[0].ID
	}
	if cfg.ImageQuality == 0 {
		cfg.ImageQuality = def.ImageQuality
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}

	return cfg, nil
}

func (c *Config) findService(id string) int {
	return slices.IndexFunc(c.Services, func(s Service) bool { return s.ID == id })
}

func (c *Config) findPrompt(id string) int {
	return slices.IndexFunc(c.Prompts, func(p Prompt) bool { return p.ID == id })
}

func (c *Config) clone() *Config {
	out := *c
	out.Services = slices.Clone(c.Services)
	out.Prompts = slices.Clone(c.Prompts)
	return &out
}

// Active is the merged view a request is prepared from.
type Active struct {
	TargetLanguage   string
	Service          Service
	PromptID         string
	PromptTemplate   string
	Vision           bool
	MaxTokens        int
	Retries          int
	Stream           bool
	ImageCompression bool
	ImageQuality     float64
	Timeout          time.Duration
}

func (c *Config) Active() Active {
	a := Active{
		TargetLanguage:   c.TargetLanguage,
		PromptID:         c.ActivePrompt,
		Vision:           c.Vision,
		MaxTokens:        c.MaxTokens,
		Retries:          c.Retries,
		Stream:           c.Stream,
		ImageCompression: c.ImageCompression,
		ImageQuality:     c.ImageQuality,
		Timeout:          time.Duration(c.Timeout) * time.Second,
	}
	if i := c.findPrompt(c.ActivePrompt); i >= 0 {
		a.PromptTemplate = c.Prompts[i].Template
	}

	i := c.findService(c.ActiveService)
	if i < 0 {
		return a
	}
	svc := c.Services[i]
	a.Service = svc
	if svc.Vision != nil {
		a.Vision = *svc.Vision
	}
	if svc.MaxTokens != nil {
		a.MaxTokens = *svc.MaxTokens
	}
	if svc.Retries != nil {
		a.Retries = *svc.Retries
	}
	if svc.Stream != nil {
		a.Stream = *svc.Stream
	}
	if svc.ImageCompression != nil {
		a.ImageCompression = *svc.ImageCompression
	}
	if svc.ImageQuality != nil {
		a.ImageQuality = *svc.ImageQuality
	}
	return a
}

// Store guards a Config and notifies subscribers after every change.
type Store struct {
	mu     sync.Mutex
	cfg    *Config
	path   string
	nextID int
	subs   map[int]func(Active)
}

// NewStore wraps cfg. Changes are written back to path when it is not
// empty.
func NewStore(cfg *Config, path string) *Store {
	if cfg == nil {
		cfg = Default()
	}
	return &Store{cfg: cfg.clone(), path: path, subs: make(map[int]func(Active))}
}

func (s *Store) Active() Active {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Active()
}

// Snapshot returns a copy of the whole configuration.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg.clone()
}

func (s *Store) SetActiveService(id string) error {
	return s.update(func(c *Config) error {
		if c.findService(id) < 0 {
			return fmt.Errorf("%w: service %q", ErrUnknownID, id)
		}
		c.ActiveService = id
		return nil
	})
}

func (s *Store) SetActivePrompt(id string) error {
	return s.update(func(c *Config) error {
		if c.findPrompt(id) < 0 {
			return fmt.Errorf("%w: prompt %q", ErrUnknownID, id)
		}
		c.ActivePrompt = id
		return nil
	})
}

func (s *Store) SetTargetLanguage(code string) error {
	return s.update(func(c *Config) error {
		if !ValidLanguage(code) {
			return fmt.Errorf("%w: language %q", ErrUnknownID, code)
		}
		c.TargetLanguage = code
		return nil
	})
}

// CycleService activates the service after the current one and returns
// its id.
func (s *Store) CycleService() (string, error) {
	var id string
	err := s.update(func(c *Config) error {
		next := (c.findService(c.ActiveService) + 1) % len(c.Services)
		id = c.Services[next].ID
		c.ActiveService = id
		return nil
	})
	return id, err
}

func (s *Store) CyclePrompt() (string, error) {
	var id string
	err := s.update(func(c *Config) error {
		next := (c.findPrompt(c.ActivePrompt) + 1) % len(c.Prompts)
		id = c.Prompts[next].ID
		c.ActivePrompt = id
		return nil
	})
	return id, err
}

// Subscribe registers fn for change events and returns a function that
// removes it.
func (s *Store) Subscribe(fn func(Active)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) update(mutate func(c *Config) error) error {
	s.mu.Lock()
	next := s.cfg.clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	active := next.Active()
	subs := make([]func(Active), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	path := s.path
	s.mu.Unlock()

	var saveErr error
	if path != "" {
		saveErr = Save(next, path)
	}
	for _, fn := range subs {
		fn(active)
	}
	return saveErr
}

// Save writes cfg to path as YAML, creating the directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
