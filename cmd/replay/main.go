package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-select/internal/config"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/replay"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region main
// errDiverged makes the process exit 1 without printing an error line.
type errDiverged struct{ n int }

func (e errDiverged) Error() string { return fmt.Sprintf("%d diverging rounds", e.n) }

var (
	configPath string
	dbPath     string
	policyArg  string
	labelArg  string
	seed      int64
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "replay",
	Short:         "Replay feedback through the policy, gate and eval pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var fixtureCmd = &cobra.Command{
	Use:   "fixture PATH...",
	Short: "Run JSON fixtures and compare ranking and commit count",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var failed int
		for _, path := range args {
			ok, err := runFixture(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if !ok {
				failed++
			}
		}
		if failed > 0 {
			return errDiverged{n: failed}
		}
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Replay a key's provenance log from its first stored version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDB(cmd)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print every round")
	dbCmd.Flags().StringVar(&configPath, "config", "", "selector YAML config the history was recorded under")
	dbCmd.Flags().StringVar(&dbPath, "db", "", "path to the selector database (default: db_path from config)")
	dbCmd.Flags().StringVar(&policyArg, "policy", "", "policy name of the key")
	dbCmd.Flags().StringVar(&labelArg, "label", "", "query label of the key")
	dbCmd.Flags().Int64Var(&seed, "seed", 1, "epsilon-greedy exploration seed (default: seed from config)")
	_ = dbCmd.MarkFlagRequired("policy")
	rootCmd.AddCommand(fixtureCmd, dbCmd)

	if err := rootCmd.Execute(); err != nil {
		if _, diverged := err.(errDiverged); !diverged {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// #endregion main

// #region fixture-mode
func runFixture(path string) (bool, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return false, fmt.Errorf("load fixture: %w", err)
	}
	out, err := replay.Run(f)
	if err != nil {
		return false, err
	}

	if verbose {
		printRounds(out.Results, nil)
	}
	s := out.Summary
	fmt.Printf("%s (%s): %d rounds, %d commit, %d gate_reject, %d eval_rollback, %d no_op\n",
		path, f.Policy, s.TotalRounds, s.Commits, s.GateRejects, s.EvalRollbacks, s.NoOps)
	fmt.Printf("  ranking: %v  weight_sum=%.6f\n", s.Ranking, s.WeightSum)
	for _, m := range out.Mismatches {
		fmt.Printf("  MISMATCH %s\n", m)
	}
	return len(out.Mismatches) == 0, nil
}

// #endregion fixture-mode

// #region db-mode
func runDB(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}

	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := policy.DefaultRegistry(cfg.Policy, rand.New(rand.NewSource(cfg.Seed))).Lookup(policyArg)
	if err != nil {
		return err
	}
	h, err := replay.ReplayHistory(cmd.Context(), store, p, labelArg, replay.ReplayConfig{
		PolicyConfig: cfg.Policy,
		GateConfig:   cfg.Gate,
		EvalConfig:   cfg.Eval,
	})
	if err != nil {
		return err
	}

	diverge := printRounds(h.Results, h.Recorded)
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", len(h.Results), len(h.Results)-diverge, diverge)
	fmt.Printf("Final ranking: %v\n", replay.Ranking(h.Final))
	fmt.Printf("Shift from stored state: %.6f\n", gate.Shift(h.Final, h.Stored))
	if diverge > 0 {
		return errDiverged{n: diverge}
	}
	return nil
}

// #endregion db-mode

// #region output
// printRounds prints one row per round and returns how many rounds differ
// from recorded. A nil recorded prints every round without comparison.
func printRounds(results []replay.ReplayResult, recorded []string) int {
	if recorded == nil {
		fmt.Printf("%-6s| %-15s| %s\n", "Round", "Action", "Reason")
		for _, r := range results {
			fmt.Printf("%-6d| %-15s| %s\n", r.Round, r.Action, r.Reason)
		}
		return 0
	}

	if verbose {
		fmt.Printf("%-6s| %-15s| %-15s| %s\n", "Round", "Recorded", "Replayed", "Match")
	}
	var diverge int
	for i, r := range results {
		match := "OK"
		if !replay.ActionMatches(recorded[i], r.Action) {
			match = "DIFF"
			diverge++
		}
		if verbose || match == "DIFF" {
			fmt.Printf("%-6d| %-15s| %-15s| %s\n", r.Round, recorded[i], r.Action, match)
		}
	}
	return diverge
}

// #endregion output
