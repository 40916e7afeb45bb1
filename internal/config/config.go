// Package config manages the no-wing configuration file: the agent's
// credential source, the human operator's source, and the audit targets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pchinjr/no-wing/internal/core"
)

const (
	ConfigDirName   = ".no-wing"
	ConfigFileName  = "config.json"
	AuditFileName   = "audit.log"
	ApprovalDBName  = "approvals.db"
	VaultFileName   = "no-wing.vault"
	DefaultLogLevel = "info"
)

// Config holds everything no-wing needs to establish its two identities and
// its audit targets. The file is read-only input at runtime; secret key
// material lives in the vault, never here.
type Config struct {
	DefaultRegion string `json:"default_region"`
	LogLevel      string `json:"log_level"`

	Human core.CredentialSourceConfig `json:"human"`
	Agent core.CredentialSourceConfig `json:"agent"`

	AuditLogPath string `json:"audit_log_path"`

	// Remote audit forwarding (CloudWatch Logs). Empty group disables forwarding.
	LogGroupName  string `json:"log_group_name,omitempty"`
	LogStreamName string `json:"log_stream_name,omitempty"`

	// External audit sink (CloudTrail) verified by `no-wing audit verify`.
	TrailName string `json:"trail_name,omitempty"`

	ApprovalDBPath string `json:"approval_db_path"`
	VaultPath      string `json:"vault_path"`

	// Default S3 bucket for template uploads; empty skips the upload step.
	TemplateBucket string `json:"template_bucket,omitempty"`
}

// ConfigDir returns the no-wing configuration directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// Default returns a configuration with sensible defaults: the human identity
// from the default credential chain, the agent from a dedicated profile.
func Default() Config {
	dir := ConfigDir()
	return Config{
		DefaultRegion: "us-east-1",
		LogLevel:      DefaultLogLevel,
		Human: core.CredentialSourceConfig{
			Kind:   core.ContextHuman,
			Type:   core.SourceEnvironment,
			Region: "us-east-1",
		},
		Agent: core.CredentialSourceConfig{
			Kind:    core.ContextAgent,
			Type:    core.SourceProfile,
			Profile: "no-wing-agent",
			Region:  "us-east-1",
		},
		AuditLogPath:   filepath.Join(dir, AuditFileName),
		ApprovalDBPath: filepath.Join(dir, ApprovalDBName),
		VaultPath:      filepath.Join(dir, VaultFileName),
		LogStreamName:  "no-wing",
	}
}

// Load reads the config file, falling back to defaults when it does not exist.
func Load(path string) (Config, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save persists the config with owner-only permissions.
func Save(cfg Config, path string) error {
	if path == "" {
		path = filepath.Join(ConfigDir(), ConfigFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate rejects configurations that cannot produce two working identities.
func (c Config) Validate() error {
	if c.DefaultRegion == "" {
		return fmt.Errorf("default_region is required")
	}
	for _, src := range []core.CredentialSourceConfig{c.Human, c.Agent} {
		switch src.Type {
		case core.SourceProfile:
			if src.Profile == "" {
				return fmt.Errorf("%s source: profile name is required", src.Kind)
			}
		case core.SourceStaticKeys:
			// Both key halves come from the vault; access_key_id in the
			// config is display metadata only.
			if src.VaultKeyRef == "" {
				return fmt.Errorf("%s source: static keys require vault_key_ref", src.Kind)
			}
		case core.SourceEnvironment:
			// Resolved from the default chain at load time.
		default:
			return fmt.Errorf("%s source: unknown type %q", src.Kind, src.Type)
		}
	}
	return nil
}
