package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/internal/config"
	"github.com/3leaps/genimpute/internal/observability"
	"github.com/3leaps/genimpute/pkg/provider"
	"github.com/3leaps/genimpute/pkg/refpanel"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that a run can start",
	Long: `Run diagnostic checks on the environment a run depends on: the reference
panel registry, storage, the job command and tabix.

Examples:
  genimpute doctor
  genimpute doctor --config prod.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic. run returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{"environment", func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"reference panels", func(context.Context) (string, error) {
			return checkPanels(cfg)
		}},
		{"storage", func(ctx context.Context) (string, error) {
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			defer closeStore()
			dirs, err := store.ListDirectories(ctx, cfg.Run.OutputPrefix)
			if provider.IsAccessDenied(err) {
				return "", fmt.Errorf("no list permission on %q: %w", cfg.Run.OutputPrefix, err)
			}
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s, %d region dirs under %q", cfg.Storage.Provider, len(dirs), cfg.Run.OutputPrefix), nil
		}},
		{"job command", func(context.Context) (string, error) {
			if len(cfg.Executor.Command) == 0 {
				return "", fmt.Errorf("executor.command is not configured")
			}
			return lookPath(cfg.Executor.Command[0])
		}},
		{"tabix", func(context.Context) (string, error) {
			if len(cfg.Export.IndexRegions) == 0 {
				return "not needed", nil
			}
			return lookPath(cfg.Export.TabixPath)
		}},
	}
	if cfg.Storage.Provider == "s3" {
		checks = append(checks, doctorCheck{"aws credentials", checkAWSCredentials})
	}
	return checks
}

func lookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	return path, nil
}

func checkPanels(cfg *config.Config) (string, error) {
	reg, err := refpanel.Load(cfg.Panels)
	if err != nil {
		return "", err
	}
	ids := reg.IDs()
	if cfg.Run.RefPanel != "" {
		if _, err := reg.Get(cfg.Run.RefPanel); err != nil {
			return "", err
		}
	}
	return strings.Join(ids, ", "), nil
}

func checkAWSCredentials(ctx context.Context) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return maskAccessKey(creds.AccessKeyID) + " from " + source, nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// runChecks runs every check and reports each result. It returns the number
// of failed checks.
func runChecks(ctx context.Context, checks []doctorCheck, logger *zap.Logger) int {
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			logger.Error(prefix+" FAILED", zap.Error(err))
			continue
		}
		logger.Info(prefix+" ok", zap.String("detail", detail))
	}
	return failed
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	logger.Info("=== genimpute doctor ===")

	failed := runChecks(cmd.Context(), doctorChecks(currentConfig()), logger)
	if failed > 0 {
		logger.Warn("Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d checks failed", failed))
	}
	logger.Info("All checks passed.")
	return nil
}
