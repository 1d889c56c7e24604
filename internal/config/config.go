// Package config resolves the executor configuration from its sources:
// defaults < razel.yaml < dotenv files < environment < command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvCacheDir    = "RAZEL_CACHE_DIR"
	EnvRemoteCache = "RAZEL_REMOTE_CACHE"
	EnvThreshold   = "REMOTE_CACHE_THRESHOLD"
)

// ProjectFileName is the optional per-project config file.
const ProjectFileName = "razel.yaml"

// Config is the resolved configuration record the engine consumes.
type Config struct {
	CacheDir             string   `yaml:"cache_dir"`
	RemoteCache          []string `yaml:"remote_cache"`
	RemoteCacheThreshold float64  `yaml:"remote_cache_threshold"`
	Jobs                 int      `yaml:"jobs"`
	Verbose              bool     `yaml:"-"`
}

// Flags carries the command-line values; zero values mean unset.
type Flags struct {
	CacheDir             string
	RemoteCache          []string
	RemoteCacheThreshold float64
	Jobs                 int
	Verbose              bool
}

// Resolve builds the configuration for a run rooted at cwd.
func Resolve(cwd string, flags Flags) (*Config, error) {
	cfg := &Config{Jobs: runtime.NumCPU()}

	if err := cfg.loadProjectFile(cwd); err != nil {
		return nil, err
	}
	loadDotenv(cwd)
	cfg.applyEnv()
	cfg.applyFlags(flags)

	if cfg.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("no cache dir configured and no user cache dir: %w", err)
		}
		cfg.CacheDir = filepath.Join(base, "razel")
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	return cfg, nil
}

func (c *Config) loadProjectFile(cwd string) error {
	data, err := os.ReadFile(filepath.Join(cwd, ProjectFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", ProjectFileName, err)
	}
	return nil
}

// loadDotenv loads .env.local and .env walking from cwd upward. godotenv
// never overrides variables that are already set, so the closest file and
// the real environment win.
func loadDotenv(cwd string) {
	dir := cwd
	for {
		for _, name := range []string{".env.local", ".env"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				godotenv.Load(path)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCacheDir); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv(EnvRemoteCache); v != "" {
		c.RemoteCache = splitList(v)
	}
	if v := os.Getenv(EnvThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RemoteCacheThreshold = f
		}
	}
}

func (c *Config) applyFlags(flags Flags) {
	if flags.CacheDir != "" {
		c.CacheDir = flags.CacheDir
	}
	if len(flags.RemoteCache) > 0 {
		c.RemoteCache = flags.RemoteCache
	}
	if flags.RemoteCacheThreshold > 0 {
		c.RemoteCacheThreshold = flags.RemoteCacheThreshold
	}
	if flags.Jobs > 0 {
		c.Jobs = flags.Jobs
	}
	c.Verbose = flags.Verbose
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
