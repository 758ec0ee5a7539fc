package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

var (
	datasourceID int64
	purgeBefore  string
	purgeMaxAge  time.Duration
	rulesFile    string
	dsName       string
	dsType       string
)

var runMappingCmd = &cobra.Command{
	Use:   "run-mapping",
	Short: "Remap incident types of a datasource onto its current classifier model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			summary, err := a.reconciler.Run(ctx, datasourceID)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize",
	Short: "Repair catalog invariants of a datasource",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			summary, err := a.engine.Sanitize(ctx, datasourceID)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge-training-data",
	Short: "Archive and delete training data older than a cutoff",
	Long: `Deletes training data recorded before --before (RFC3339) or older
than --older-than. Data is archived first when the archive is enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		before, err := purgeCutoff(time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.engine.DeleteTrainingData(ctx, datasourceID, before)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"deleted": n, "before": before})
		})
	},
}

var importRulesCmd = &cobra.Command{
	Use:   "import-rules",
	Short: "Upsert incident rules from a YAML rule file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			summary, err := a.rules.ImportFile(ctx, auth.SystemActor, datasourceID, rulesFile)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var datasourceCmd = &cobra.Command{
	Use:   "datasource",
	Short: "Manage datasources",
}

var datasourceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a datasource",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if dsName == "" {
			return errors.New("--name is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ds := &models.Datasource{Name: dsName, Type: dsType}
			if err := a.repo.CreateDatasource(ctx, ds); err != nil {
				return err
			}
			return printJSON(cmd, ds)
		})
	},
}

var datasourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.repo.ListDatasources(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{runMappingCmd, sanitizeCmd, purgeCmd, importRulesCmd} {
		c.Flags().Int64Var(&datasourceID, "datasource", 0, "datasource id")
		_ = c.MarkFlagRequired("datasource")
	}
	purgeCmd.Flags().StringVar(&purgeBefore, "before", "", "delete data recorded before this RFC3339 time")
	purgeCmd.Flags().DurationVar(&purgeMaxAge, "older-than", 0, "delete data older than this age (e.g. 720h)")
	purgeCmd.MarkFlagsMutuallyExclusive("before", "older-than")
	purgeCmd.MarkFlagsOneRequired("before", "older-than")
	importRulesCmd.Flags().StringVar(&rulesFile, "file", "", "rule file (YAML)")
	_ = importRulesCmd.MarkFlagRequired("file")

	datasourceAddCmd.Flags().StringVar(&dsName, "name", "", "datasource name")
	datasourceAddCmd.Flags().StringVar(&dsType, "type", "log", "datasource type, selects the state policy")
	datasourceCmd.AddCommand(datasourceAddCmd, datasourceListCmd)

	rootCmd.AddCommand(runMappingCmd, sanitizeCmd, purgeCmd, importRulesCmd, datasourceCmd)
}

// withApp builds the components, runs fn and closes them again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func purgeCutoff(now time.Time) (time.Time, error) {
	if purgeBefore != "" {
		t, err := time.Parse(time.RFC3339, purgeBefore)
		if err != nil {
			return time.Time{}, errors.New("--before must be an RFC3339 time")
		}
		return t, nil
	}
	if purgeMaxAge <= 0 {
		return time.Time{}, errors.New("--older-than must be positive")
	}
	return now.Add(-purgeMaxAge), nil
}
