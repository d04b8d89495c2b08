package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-select/internal/config"
	"github.com/danielpatrickdp/adaptive-select/internal/eval"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/logging"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region main
var (
	configPath string
	dbPath     string
	policyArg  string
	labelArg   string
	last       int
	version    string
	jsonOut    bool

	// evalConfig is the eval section of the loaded config.
	evalConfig = eval.DefaultEvalConfig()
)

var rootCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect stored policy states and feedback decisions",
	Long: `With no --policy, lists every (policy, label) with an active state.
With --policy and --label, lists that key's most recent versions.
With --version, shows one version in detail.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store *state.Store) error {
			ctx := cmd.Context()
			switch {
			case version != "":
				return runDetailMode(ctx, store, version)
			case policyArg != "":
				return runListMode(ctx, store, state.Key{Policy: policyArg, Label: labelArg})
			default:
				return runKeysMode(ctx, store)
			}
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:          "rollback VERSION_ID",
	Short:        "Point a key's active state at an earlier version",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *state.Store) error {
			rec, err := store.GetVersion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.Rollback(cmd.Context(), rec.Key, rec.VersionID); err != nil {
				return err
			}
			fmt.Printf("%s now at %s\n", rec.Key, rec.VersionID)
			return nil
		})
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "selector YAML config (db_path and eval thresholds)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the selector database (default: db_path from config)")
	rootCmd.Flags().StringVar(&policyArg, "policy", "", "policy name of the key to list")
	rootCmd.Flags().StringVar(&labelArg, "label", "", "query label of the key to list")
	rootCmd.Flags().IntVar(&last, "last", 20, "show N most recent versions or decisions")
	rootCmd.Flags().StringVar(&version, "version", "", "show single version detail")
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	rootCmd.AddCommand(rollbackCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withStore(fn func(*state.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	evalConfig = cfg.Eval

	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// #endregion main

// #region keys-mode
type keyRow struct {
	Policy    string  `json:"policy"`
	Label     string  `json:"label"`
	VersionID string  `json:"version_id"`
	Models    int     `json:"models"`
	WeightSum float64 `json:"weight_sum"`
	Leader    string  `json:"leader"`
}

func runKeysMode(ctx context.Context, store *state.Store) error {
	keys, err := store.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(os.Stderr, "no policy states found")
		return nil
	}

	rows := make([]keyRow, 0, len(keys))
	for _, k := range keys {
		versions, err := store.ListVersions(ctx, k, 1)
		if err != nil {
			return err
		}
		row := keyRow{Policy: k.Policy, Label: k.Label}
		blob, err := store.Get(ctx, k)
		if err != nil {
			return err
		}
		if s, err := state.Decode(blob); err == nil {
			row.Models = s.Len()
			row.WeightSum = s.WeightSum()
			row.Leader = leader(s)
		}
		if len(versions) > 0 {
			row.VersionID = versions[0].VersionID
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-16s  %-20s  %-10s  %6s  %12s  %s\n", "Policy", "Label", "Latest", "Models", "Weight Sum", "Leader")
	for _, r := range rows {
		fmt.Printf("%-16s  %-20s  %-10s  %6d  %12.4f  %s\n",
			r.Policy, r.Label, shortID(r.VersionID), r.Models, r.WeightSum, r.Leader)
	}
	return nil
}

// #endregion keys-mode

// #region list-mode
type listRow struct {
	VersionID string   `json:"version_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	Variant   string   `json:"variant"`
	WeightSum float64  `json:"weight_sum"`
	Shift     *float64 `json:"shift,omitempty"`
	Decision  string   `json:"decision,omitempty"`
	CreatedAt string   `json:"created_at"`
}

func runListMode(ctx context.Context, store *state.Store, key state.Key) error {
	versions, err := store.ListVersions(ctx, key, last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintf(os.Stderr, "no versions found for %s\n", key)
		return nil
	}
	decisions, err := logging.RecentDecisions(ctx, store.DB(), key.Policy, key.Label, last)
	if err != nil {
		return err
	}
	byVersion := make(map[string]string, len(decisions))
	for _, d := range decisions {
		if _, seen := byVersion[d.VersionID]; !seen {
			byVersion[d.VersionID] = d.Decision
		}
	}

	// store returns newest first; print chronologically
	rows := make([]listRow, len(versions))
	for i, v := range versions {
		row := listRow{
			VersionID: v.VersionID,
			ParentID:  v.ParentID,
			Variant:   v.Variant.String(),
			WeightSum: v.WeightSum,
			Decision:  byVersion[v.VersionID],
			CreatedAt: v.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if i+1 < len(versions) {
			if shift, ok := versionShift(versions[i+1], v); ok {
				row.Shift = &shift
			}
		}
		rows[len(versions)-1-i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-12s  %-14s  %12s  %8s  %-8s  %s\n", "Version", "Variant", "Weight Sum", "Shift", "Decision", "Time")
	for _, r := range rows {
		shift := "-"
		if r.Shift != nil {
			shift = fmt.Sprintf("%.4f", *r.Shift)
		}
		decision := r.Decision
		if decision == "" {
			decision = "-"
		}
		fmt.Printf("%-12s  %-14s  %12.4f  %8s  %-8s  %s\n",
			shortID(r.VersionID), r.Variant, r.WeightSum, shift, decision, r.CreatedAt)
	}
	return nil
}

func versionShift(prev, next state.VersionRecord) (float64, bool) {
	a, err := state.Decode(prev.Blob)
	if err != nil {
		return 0, false
	}
	b, err := state.Decode(next.Blob)
	if err != nil {
		return 0, false
	}
	return gate.Shift(a, b), true
}

// #endregion list-mode

// #region detail-mode
type detailOutput struct {
	VersionID    string                    `json:"version_id"`
	ParentID     string                    `json:"parent_id"`
	Policy       string                    `json:"policy"`
	Label        string                    `json:"label"`
	Variant      string                    `json:"variant"`
	CreatedAt    string                    `json:"created_at"`
	Observations uint64                    `json:"observations"`
	WeightSum    float64                   `json:"weight_sum"`
	Models       []modelDetail             `json:"models"`
	Eval         eval.EvalResult           `json:"eval"`
	Decisions    []logging.ProvenanceEntry `json:"decisions,omitempty"`
}

type modelDetail struct {
	Model  string  `json:"model"`
	Weight float64 `json:"weight"`
	Share  float64 `json:"share"`
	Count  *uint64 `json:"count,omitempty"`
}

func runDetailMode(ctx context.Context, store *state.Store, versionID string) error {
	rec, err := store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	s, err := state.Decode(rec.Blob)
	if err != nil {
		return fmt.Errorf("decode %s: %w", versionID, err)
	}

	out := detailOutput{
		VersionID:    rec.VersionID,
		ParentID:     rec.ParentID,
		Policy:       rec.Key.Policy,
		Label:        rec.Key.Label,
		Variant:      rec.Variant.String(),
		CreatedAt:    rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Observations: s.Observations(),
		WeightSum:    s.WeightSum(),
		Eval:         eval.NewEvalHarness(evalConfig).Run(s),
	}
	shares := gate.Shares(s)
	for _, e := range s.Entries() {
		md := modelDetail{Model: e.Model.String(), Weight: e.Stats.Weight(), Share: shares[e.Model.String()]}
		if mr, ok := e.Stats.(state.MeanReward); ok {
			c := mr.Count
			md.Count = &c
		}
		out.Models = append(out.Models, md)
	}
	sort.SliceStable(out.Models, func(i, j int) bool { return out.Models[i].Share > out.Models[j].Share })

	decisions, err := logging.RecentDecisions(ctx, store.DB(), rec.Key.Policy, rec.Key.Label, last)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		if d.VersionID == rec.VersionID {
			out.Decisions = append(out.Decisions, d)
		}
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Version:      %s\n", out.VersionID)
	fmt.Printf("Parent:       %s\n", out.ParentID)
	fmt.Printf("Key:          %s/%s\n", out.Policy, out.Label)
	fmt.Printf("Variant:      %s\n", out.Variant)
	fmt.Printf("Created:      %s\n", out.CreatedAt)
	fmt.Printf("Observations: %d\n", out.Observations)
	fmt.Printf("Weight Sum:   %.6f\n", out.WeightSum)

	fmt.Printf("\nModels:\n")
	for _, m := range out.Models {
		if m.Count != nil {
			fmt.Printf("  %-24s %12.6f  %6.2f%%  n=%d\n", m.Model, m.Weight, 100*m.Share, *m.Count)
		} else {
			fmt.Printf("  %-24s %12.6f  %6.2f%%\n", m.Model, m.Weight, 100*m.Share)
		}
	}

	fmt.Printf("\nEval: passed=%v %s\n", out.Eval.Passed, out.Eval.Reason)
	for _, m := range out.Eval.Metrics {
		fmt.Printf("  %-18s %.6f  pass=%v\n", m.Name, m.Value, m.Pass)
	}

	for _, d := range out.Decisions {
		fmt.Printf("\nDecision: %s (query %d) %s\n", d.Decision, d.QueryID, d.Reason)
	}
	return nil
}

// #endregion detail-mode

// #region output
func leader(s state.PolicyState) string {
	var best string
	var bestW float64
	for _, e := range s.Entries() {
		if w := e.Stats.Weight(); best == "" || w > bestW {
			best, bestW = e.Model.String(), w
		}
	}
	return best
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
