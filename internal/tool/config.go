package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryConfig describes the set of tool connectors loaded at startup.
type RegistryConfig struct {
	Defaults ToolDefaults          `yaml:"defaults"`
	Tools    map[string]ToolConfig `yaml:"tools"`
}

// ToolDefaults holds fallback values applied to tools that omit them.
type ToolDefaults struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	MaxResults     int `yaml:"maxResults"`
}

// ToolConfig is the configuration block for a single tool connector.
type ToolConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Kind           string `yaml:"kind"`
	Endpoint       string `yaml:"endpoint"`
	Username       string `yaml:"username"`
	Token          string `yaml:"token"`
	TokenEnv       string `yaml:"tokenEnv"`
	Workspace      string `yaml:"workspace"`
	DSN            string `yaml:"dsn"`
	Table          string `yaml:"table"`
	TitleColumn    string `yaml:"titleColumn"`
	BodyColumn     string `yaml:"bodyColumn"`
	URLColumn      string `yaml:"urlColumn"`
	Query          string `yaml:"query"`
	Source         string `yaml:"source"`
	MaxResults     int    `yaml:"maxResults"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// LoadRegistryConfig reads a YAML file into a RegistryConfig.
func LoadRegistryConfig(path string) (RegistryConfig, error) {
	var cfg RegistryConfig
	if path == "" {
		return cfg, errors.New("tool config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read tool config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal tool config: %w", err)
	}
	if cfg.Tools == nil {
		cfg.Tools = map[string]ToolConfig{}
	}
	return cfg, nil
}

// Validate ensures the registry configuration is internally consistent.
func (c RegistryConfig) Validate() error {
	for name, tc := range c.Tools {
		if name == "" {
			return errors.New("tool name cannot be empty")
		}
		if !tc.Enabled {
			continue
		}
		switch strings.ToLower(tc.Kind) {
		case "confluence", "bitbucket", "graphql":
			if tc.Endpoint == "" {
				return fmt.Errorf("tool %s endpoint cannot be empty when enabled", name)
			}
		case "postgres":
			if tc.DSN == "" {
				return fmt.Errorf("tool %s dsn cannot be empty when enabled", name)
			}
		case "static":
			if tc.Source == "" {
				return fmt.Errorf("tool %s source cannot be empty when enabled", name)
			}
		default:
			return fmt.Errorf("tool %s has unknown kind %q", name, tc.Kind)
		}
	}
	return nil
}

// resolveToken 优先使用内联 token，其次从环境变量读取。
func (c ToolConfig) resolveToken() string {
	if token := strings.TrimSpace(c.Token); token != "" {
		return token
	}
	if c.TokenEnv != "" {
		return strings.TrimSpace(os.Getenv(c.TokenEnv))
	}
	return ""
}

func (c ToolConfig) timeout(defaults ToolDefaults) time.Duration {
	seconds := c.TimeoutSeconds
	if seconds <= 0 {
		seconds = defaults.TimeoutSeconds
	}
	if seconds <= 0 {
		return defaultDispatchTimeout
	}
	return time.Duration(seconds) * time.Second
}

func (c ToolConfig) maxResults(defaults ToolDefaults) int {
	if c.MaxResults > 0 {
		return c.MaxResults
	}
	if defaults.MaxResults > 0 {
		return defaults.MaxResults
	}
	return defaultMaxResults
}

// BuildRegistry 根据配置构建注册表，按 kind 实例化各个连接器。
func BuildRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := NewRegistry()
	for name, tc := range cfg.Tools {
		if !tc.Enabled {
			continue
		}
		var (
			t   Tool
			err error
		)
		switch strings.ToLower(tc.Kind) {
		case "confluence":
			t, err = NewConfluenceTool(name, tc, cfg.Defaults)
		case "bitbucket":
			t, err = NewBitbucketTool(name, tc, cfg.Defaults)
		case "graphql":
			t, err = NewGraphQLTool(name, tc, cfg.Defaults)
		case "postgres":
			t, err = NewPostgresTool(ctx, name, tc, cfg.Defaults)
		case "static":
			t, err = LoadStaticTool(name, tc.Source, tc.maxResults(cfg.Defaults))
		}
		if err != nil {
			return nil, fmt.Errorf("构建工具 %s 失败: %w", name, err)
		}
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
