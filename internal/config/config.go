// Package config loads the pipeline configuration. Everything the
// controller needs (checker list, stage commands, timeouts, approval
// deadline, retry limits) travels in one explicit value rather than
// ambient settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatecrane-io/gatecrane/internal/artifact"
	"github.com/gatecrane-io/gatecrane/internal/scan"
	"github.com/gatecrane-io/gatecrane/internal/state"
)

// Duration wraps time.Duration with YAML support for values like
// "24h" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StageCommand configures the external command of one stage.
type StageCommand struct {
	Argv []string          `yaml:"argv"`
	Env  map[string]string `yaml:"env"`
}

// CheckerConfig declares one checker by type. "policy" checkers read
// rules from PolicyFile; "command" checkers run Argv as an external
// scanner.
type CheckerConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	PolicyFile string            `yaml:"policy_file"`
	Rules      []scan.PolicyRule `yaml:"rules"`
	Argv       []string          `yaml:"argv"`
}

// PipelineConfig is the complete, explicit configuration for one
// deployment target's pipeline.
type PipelineConfig struct {
	Target   string `yaml:"target"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Stages map[string]StageCommand `yaml:"stages"`

	Checkers       []CheckerConfig `yaml:"checkers"`
	CheckerTimeout Duration        `yaml:"checker_timeout"`

	ApprovalDeadline Duration `yaml:"approval_deadline"`
	Approvers        []string `yaml:"approvers"`

	ApplyCommand []string `yaml:"apply_command"`
	LockLease    Duration `yaml:"lock_lease"`

	// DesiredStatePath is the snapshot file handed to the apply
	// collaborator as the opaque desired-state payload.
	DesiredStatePath string `yaml:"desired_state_path"`

	StageTimeout Duration `yaml:"stage_timeout"`
	MaxRetries   int      `yaml:"max_retries"`

	// QueuePolicy is "reject" (default) or "queue"; with "queue" the
	// caller is expected to retry Start until the active run finishes.
	QueuePolicy string `yaml:"queue_policy"`

	// DockerImage, when set, runs stage commands inside containers of
	// this image instead of host processes.
	DockerImage string `yaml:"docker_image"`

	ArtifactStore ArtifactStoreConfig `yaml:"artifact_store"`
	Lock          LockConfig          `yaml:"lock"`
	SNSTopicARN   string              `yaml:"sns_topic_arn"`
}

// ArtifactStoreConfig selects the blob storage backend and its key
// material.
type ArtifactStoreConfig struct {
	Type string `yaml:"type"` // "local" (default) or "s3"

	// Keyring is "env" (default, reads GATECRANE_ARTIFACT_KEY) or
	// "kms", which decrypts KMSDataKey through AWS KMS.
	Keyring string `yaml:"keyring"`
	// KMSDataKey is the base64 KMS-encrypted 32-byte data key.
	KMSDataKey string `yaml:"kms_data_key"`
	KMSRegion  string `yaml:"kms_region"`

	S3 artifact.S3StoreConfig `yaml:"s3"`
}

// LockConfig selects the state lock backend.
type LockConfig struct {
	Type     string                   `yaml:"type"` // "file" (default) or "dynamodb"
	DynamoDB state.DynamoLockerConfig `yaml:"dynamodb"`
}

// Load reads and validates a pipeline configuration file.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *PipelineConfig) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = ".gatecrane"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QueuePolicy == "" {
		c.QueuePolicy = "reject"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ApprovalDeadline == 0 {
		c.ApprovalDeadline = Duration(24 * time.Hour)
	}
	if c.ArtifactStore.Type == "" {
		c.ArtifactStore.Type = "local"
	}
	if c.ArtifactStore.Keyring == "" {
		c.ArtifactStore.Keyring = "env"
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "file"
	}
	if c.DesiredStatePath == "" {
		c.DesiredStatePath = "deploy.json"
	}
}

// Validate rejects configurations the controller cannot run with.
func (c *PipelineConfig) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("config: 'target' is required")
	}
	if c.QueuePolicy != "reject" && c.QueuePolicy != "queue" {
		return fmt.Errorf("config: queue_policy must be 'reject' or 'queue', got %q", c.QueuePolicy)
	}
	switch c.ArtifactStore.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("config: unknown artifact store type %q", c.ArtifactStore.Type)
	}
	switch c.ArtifactStore.Keyring {
	case "env":
	case "kms":
		if c.ArtifactStore.KMSDataKey == "" {
			return fmt.Errorf("config: keyring 'kms' needs kms_data_key")
		}
	default:
		return fmt.Errorf("config: unknown keyring %q", c.ArtifactStore.Keyring)
	}
	switch c.Lock.Type {
	case "file", "dynamodb":
	default:
		return fmt.Errorf("config: unknown lock type %q", c.Lock.Type)
	}
	for _, checker := range c.Checkers {
		switch checker.Type {
		case "policy":
			if checker.PolicyFile == "" && len(checker.Rules) == 0 {
				return fmt.Errorf("config: policy checker %q needs rules or a policy_file", checker.Name)
			}
		case "command":
			if len(checker.Argv) == 0 {
				return fmt.Errorf("config: command checker %q needs argv", checker.Name)
			}
		default:
			return fmt.Errorf("config: unknown checker type %q for %q", checker.Type, checker.Name)
		}
		if checker.Name == "" {
			return fmt.Errorf("config: every checker needs a name")
		}
	}
	return nil
}
