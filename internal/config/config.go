// Package config loads the proxy's TOML configuration file and applies CLI
// overrides. Config loading itself is treated as thin glue (spec.md §1 lists
// "TOML configuration loading" as an external collaborator) — this package
// stays a straightforward decode-and-override step rather than the teacher's
// full HCL schema/registry machinery (see DESIGN.md for why hcl/chroma were
// not carried over).
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/pelletier/go-toml"

	"github.com/seedwing-proxy/seedwing/internal/githubapp"
	"github.com/seedwing-proxy/seedwing/internal/jobscheduler"
	"github.com/seedwing-proxy/seedwing/internal/logging"
	"github.com/seedwing-proxy/seedwing/internal/metrics"
)

// RepositoryType enumerates the ecosystems the router knows how to bind.
type RepositoryType string

const (
	RepositoryTypeCrates       RepositoryType = "crates"
	RepositoryTypeSparseCrates RepositoryType = "sparse-crates"
	RepositoryTypeM2           RepositoryType = "m2"
	RepositoryTypeGems         RepositoryType = "gems"
	RepositoryTypeNPM          RepositoryType = "npm"
	RepositoryTypePip          RepositoryType = "pip"
)

// Decision is the policy engine's configured enforcement mode.
type Decision string

const (
	DecisionDisable Decision = "disable"
	DecisionWarn    Decision = "warn"
	DecisionEnforce Decision = "enforce"
)

type ProxyConfig struct {
	Bind     string `toml:"bind"`
	Port     int    `toml:"port"`
	CacheDir string `toml:"cache_dir"`
	GitCmd   string `toml:"git_cmd"`
}

type PolicyConfig struct {
	URL      string   `toml:"url"`
	Decision Decision `toml:"decision"`
}

type SnapshotConfig struct {
	Interval  string `toml:"interval"`
	Bucket    string `toml:"bucket"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access-key"`
	SecretKey string `toml:"secret-key"`
	UseSSL    bool   `toml:"use-ssl"`
}

// RepositoryConfig is the TOML-level shape of one [repositories.<name>] block.
type RepositoryConfig struct {
	Name           string
	Type           RepositoryType `toml:"type"`
	URL            string         `toml:"url"`
	PeriodicUpdate int64          `toml:"periodic_update"`
}

// Config is the fully loaded, override-applied configuration.
type Config struct {
	Proxy         ProxyConfig
	Policy        PolicyConfig
	Logging       logging.Config
	Metrics       metrics.Config
	Scheduler     jobscheduler.Config
	GitHubApp     githubapp.Config
	Snapshot      SnapshotConfig
	Repositories  []RepositoryConfig // insertion order preserved
}

func defaults() Config {
	return Config{
		Proxy: ProxyConfig{
			Bind:     "0.0.0.0",
			Port:     8675,
			CacheDir: "~/.seedwing_proxy/cache",
			GitCmd:   "git",
		},
		Policy: PolicyConfig{
			Decision: DecisionDisable,
		},
		Metrics: metrics.Config{
			ServiceName: "seedwing-proxy",
			Port:        9102,
		},
	}
}

// Overrides carries the CLI flags that take precedence over the TOML file.
type Overrides struct {
	Bind string
	Port int
}

// Load reads and decodes the TOML file at path, then applies overrides.
func Load(path string, overrides Overrides) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config file")
	}
	defer f.Close()

	tree, err := toml.LoadReader(f)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse TOML")
	}

	cfg := defaults()

	if err := decodeSection(tree, "proxy", &cfg.Proxy); err != nil {
		return Config{}, errors.Wrap(err, "decode [proxy]")
	}
	if err := decodeSection(tree, "policy", &cfg.Policy); err != nil {
		return Config{}, errors.Wrap(err, "decode [policy]")
	}
	if cfg.Policy.URL == "" {
		return Config{}, errors.New("policy.url is required")
	}
	if err := decodeSection(tree, "logging", &cfg.Logging); err != nil {
		return Config{}, errors.Wrap(err, "decode [logging]")
	}
	if err := decodeSection(tree, "metrics", &cfg.Metrics); err != nil {
		return Config{}, errors.Wrap(err, "decode [metrics]")
	}
	if err := decodeSection(tree, "scheduler", &cfg.Scheduler); err != nil {
		return Config{}, errors.Wrap(err, "decode [scheduler]")
	}
	if err := decodeSection(tree, "github-app", &cfg.GitHubApp); err != nil {
		return Config{}, errors.Wrap(err, "decode [github-app]")
	}
	if err := decodeSection(tree, "snapshot", &cfg.Snapshot); err != nil {
		return Config{}, errors.Wrap(err, "decode [snapshot]")
	}

	repos, err := loadRepositories(tree)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode [repositories]")
	}
	cfg.Repositories = repos

	if overrides.Bind != "" {
		cfg.Proxy.Bind = overrides.Bind
	}
	if overrides.Port != 0 {
		cfg.Proxy.Port = overrides.Port
	}

	cfg.Proxy.CacheDir = ExpandCacheDir(cfg.Proxy.CacheDir)

	return cfg, nil
}

func decodeSection(tree *toml.Tree, key string, dest any) error {
	sub, ok := tree.Get(key).(*toml.Tree)
	if !ok {
		return nil
	}
	return errors.WithStack(sub.Unmarshal(dest))
}

// loadRepositories decodes [repositories.<name>] blocks, preserving the order
// the names appear in the file. Tree.Keys() walks the tree's backing
// map[string]interface{} and is not ordered; the names are instead sorted by
// their source line via GetPosition, which go-toml records per key at parse
// time.
func loadRepositories(tree *toml.Tree) ([]RepositoryConfig, error) {
	reposTree, ok := tree.Get("repositories").(*toml.Tree)
	if !ok {
		return nil, nil
	}

	names := reposTree.Keys()
	sort.Slice(names, func(i, j int) bool {
		return reposTree.GetPosition(names[i]).Line < reposTree.GetPosition(names[j]).Line
	})

	var repos []RepositoryConfig
	for _, name := range names {
		sub, ok := reposTree.Get(name).(*toml.Tree)
		if !ok {
			continue
		}
		var rc RepositoryConfig
		if err := sub.Unmarshal(&rc); err != nil {
			return nil, errors.Wrapf(err, "repositories.%s", name)
		}
		rc.Name = name
		repos = append(repos, rc)
	}
	return repos, nil
}

// ExpandCacheDir expands a leading "~/" to $HOME and strips a trailing slash.
// Only a leading "~/" is special; bare "~" or "~user" are taken literally
// (spec.md §9).
func ExpandCacheDir(dir string) string {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~/"))
		}
	}
	return strings.TrimRight(dir, "/")
}
