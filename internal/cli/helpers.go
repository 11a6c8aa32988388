package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gatecrane-io/gatecrane/internal/apply"
	"github.com/gatecrane-io/gatecrane/internal/approval"
	"github.com/gatecrane-io/gatecrane/internal/artifact"
	"github.com/gatecrane-io/gatecrane/internal/config"
	"github.com/gatecrane-io/gatecrane/internal/logging"
	"github.com/gatecrane-io/gatecrane/internal/model"
	"github.com/gatecrane-io/gatecrane/internal/notify"
	"github.com/gatecrane-io/gatecrane/internal/pipeline"
	"github.com/gatecrane-io/gatecrane/internal/scan"
	"github.com/gatecrane-io/gatecrane/internal/stage"
	"github.com/gatecrane-io/gatecrane/internal/state"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// app bundles the wired components behind one CLI invocation.
type app struct {
	cfg        *config.PipelineConfig
	runs       *pipeline.RunStore
	artifacts  artifact.Store
	states     state.Store
	gate       *approval.Gate
	controller *pipeline.Controller
}

// buildApp loads the configuration and wires every collaborator the
// controller needs.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" && cfg.LogLevel != "" {
		logging.Init(cfg.LogLevel)
	}

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	locker, err := buildLocker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	checkers, err := buildCheckers(cfg)
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gate, err := approval.NewGate(
		filepath.Join(cfg.DataDir, "approvals"),
		cfg.ApprovalDeadline.Std(),
		approval.AllowList(cfg.Approvers),
	)
	if err != nil {
		return nil, err
	}

	runner := buildRunner(cfg)
	runs := pipeline.NewRunStore(filepath.Join(cfg.DataDir, "runs"))
	states := state.NewFileStore(filepath.Join(cfg.DataDir, "state"))

	var applier apply.Applier = apply.NewNoop()
	if len(cfg.ApplyCommand) > 0 {
		applier = apply.NewCommandApplier(cfg.ApplyCommand, runner)
	}

	controller := pipeline.NewController(cfg, pipeline.Deps{
		Runs:       runs,
		Artifacts:  artifacts,
		States:     states,
		Locker:     locker,
		Executor:   stage.NewExecutor(runner, artifacts, cfg.StageTimeout.Std()),
		Aggregator: scan.NewAggregator(cfg.CheckerTimeout.Std()),
		Checkers:   checkers,
		Gate:       gate,
		Applier:    applier,
		Notifier:   notifier,
	})

	return &app{
		cfg:        cfg,
		runs:       runs,
		artifacts:  artifacts,
		states:     states,
		gate:       gate,
		controller: controller,
	}, nil
}

func buildArtifactStore(ctx context.Context, cfg *config.PipelineConfig) (artifact.Store, error) {
	keyring, err := buildKeyring(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ArtifactStore.Type == "s3" {
		return artifact.NewS3Store(ctx, cfg.ArtifactStore.S3, keyring)
	}
	return artifact.NewLocalStore(filepath.Join(cfg.DataDir, "artifacts"), keyring), nil
}

func buildKeyring(ctx context.Context, cfg *config.PipelineConfig) (artifact.Keyring, error) {
	if cfg.ArtifactStore.Keyring != "kms" {
		return artifact.EnvKeyring{}, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.ArtifactStore.KMSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.ArtifactStore.KMSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for KMS: %w", err)
	}
	return artifact.NewKMSKeyring(kms.NewFromConfig(awsCfg), cfg.ArtifactStore.KMSDataKey), nil
}

func buildLocker(ctx context.Context, cfg *config.PipelineConfig) (state.Locker, error) {
	if cfg.Lock.Type == "dynamodb" {
		return state.NewDynamoLocker(ctx, cfg.Lock.DynamoDB)
	}
	return state.NewFileLocker(filepath.Join(cfg.DataDir, "locks")), nil
}

func buildCheckers(cfg *config.PipelineConfig) ([]scan.Checker, error) {
	registry := scan.NewRegistry()
	names := make([]string, 0, len(cfg.Checkers))
	for _, cc := range cfg.Checkers {
		switch cc.Type {
		case "policy":
			rules := cc.Rules
			if cc.PolicyFile != "" {
				loaded, err := scan.LoadPolicyRules(cc.PolicyFile)
				if err != nil {
					return nil, err
				}
				rules = append(rules, loaded...)
			}
			registry.Register(scan.NewPolicyChecker(cc.Name, rules, cfg.DesiredStatePath))
		case "command":
			registry.Register(scan.NewCommandChecker(cc.Name, cc.Argv, buildRunner(cfg)))
		default:
			return nil, fmt.Errorf("unknown checker type %q for %q", cc.Type, cc.Name)
		}
		names = append(names, cc.Name)
	}
	return registry.Resolve(names)
}

func buildRunner(cfg *config.PipelineConfig) stage.Runner {
	if cfg.DockerImage != "" {
		return stage.NewDockerRunner(cfg.DockerImage, nil)
	}
	return stage.LocalRunner{}
}

func buildNotifier(ctx context.Context, cfg *config.PipelineConfig) (notify.Notifier, error) {
	if cfg.SNSTopicARN == "" {
		return notify.LogNotifier{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}
	return notify.Multi{
		notify.LogNotifier{},
		notify.NewSNSNotifier(sns.NewFromConfig(awsCfg), cfg.SNSTopicARN),
	}, nil
}

// loadRevision snapshots a source directory into an immutable,
// content-addressed revision. Hidden directories and the data
// directory are excluded.
func loadRevision(dir string, dataDir string) (model.Revision, error) {
	files := make(map[string][]byte)
	absData, _ := filepath.Abs(dataDir)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			abs, _ := filepath.Abs(path)
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			if absData != "" && abs == absData {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return model.Revision{}, fmt.Errorf("failed to snapshot %s: %w", dir, err)
	}
	if len(files) == 0 {
		return model.Revision{}, fmt.Errorf("directory %s has no files to deploy", dir)
	}
	return model.NewRevision(files), nil
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}

// colorize returns the ANSI code, or nothing when colors are disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

func severityColor(s model.Severity) string {
	switch s {
	case model.SeverityError:
		return colorize("\033[31m")
	case model.SeverityWarning:
		return colorize("\033[33m")
	default:
		return colorize("\033[0m")
	}
}

func renderFindings(findings []model.Finding) {
	for _, f := range findings {
		fmt.Printf("  %s[%s]%s %s: %s", severityColor(f.Severity), f.Severity, colorize("\033[0m"), f.Checker, f.Message)
		if f.Resource != "" {
			fmt.Printf(" (%s)", f.Resource)
		}
		fmt.Println()
	}
}
