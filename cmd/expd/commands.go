package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/expd/internal/config"
	"github.com/kalambet/expd/internal/experiment"
	"github.com/kalambet/expd/internal/storage"
)

// --- assign ---

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Resolve the arm a subject gets for a category",
	Long: `Resolve the arm a subject gets for a category.

Without --subject the arm is drawn at random, as for an anonymous caller.

Examples:
  expd assign --category prompt --subject user-12345
  expd assign --category model`,
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		subject, _ := cmd.Flags().GetString("subject")
		if category == "" {
			return fmt.Errorf("--category is required")
		}

		req := map[string]any{"category": category}
		if cmd.Flags().Changed("subject") {
			req["subject_id"] = subject
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/assignments", req)
		if err != nil {
			return err
		}

		var a *experiment.Assignment
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		if a == nil {
			printWarning("No running %s experiment, use defaults", category)
			return nil
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

func init() {
	assignCmd.Flags().String("category", "", "experiment category ("+storage.CategoryList()+")")
	assignCmd.Flags().String("subject", "", "stable subject id (user or session)")
}

// --- experiment ---

var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp"},
	Short:   "Create, run and inspect experiments",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft experiment",
	Long: `Create a draft experiment from a YAML file or from flags.
Flags override values read from the file.

Examples:
  expd experiment create --file tone.yaml
  expd experiment create --name "Shorter prompt" --category prompt \
    --control '{"prompt":"v1"}' --variant '{"prompt":"v2"}' --split 0.2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := createParamsFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/experiments", p)
		if err != nil {
			return err
		}

		var e storage.Experiment
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Created experiment %s (%s)", e.ID, e.Status)
		fmt.Fprintln(cmd.OutOrStdout(), e.ID)
		return nil
	},
}

// loadCreateParams reads experiment parameters from a YAML file.
func loadCreateParams(path string) (experiment.CreateParams, error) {
	var p experiment.CreateParams
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p, nil
}

func createParamsFromFlags(cmd *cobra.Command) (experiment.CreateParams, error) {
	var p experiment.CreateParams
	flags := cmd.Flags()

	if file, _ := flags.GetString("file"); file != "" {
		loaded, err := loadCreateParams(file)
		if err != nil {
			return p, err
		}
		p = loaded
	}

	if flags.Changed("name") {
		p.Name, _ = flags.GetString("name")
	}
	if flags.Changed("description") {
		p.Description, _ = flags.GetString("description")
	}
	if flags.Changed("category") {
		c, _ := flags.GetString("category")
		p.Category = storage.Category(c)
	}
	for flag, dst := range map[string]*map[string]any{
		"control": &p.ControlConfig,
		"variant": &p.VariantConfig,
	} {
		if !flags.Changed(flag) {
			continue
		}
		raw, _ := flags.GetString(flag)
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return p, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
		}
		*dst = m
	}
	if flags.Changed("split") {
		split, _ := flags.GetFloat64("split")
		p.TrafficSplit = &split
	}
	return p, nil
}

func init() {
	f := experimentCreateCmd.Flags()
	f.String("file", "", "YAML file with the experiment definition")
	f.String("name", "", "experiment name")
	f.String("description", "", "free-form description")
	f.String("category", "", "category ("+storage.CategoryList()+")")
	f.String("control", "", "control arm config as a JSON object")
	f.String("variant", "", "variant arm config as a JSON object")
	f.Float64("split", 0.5, "fraction of traffic sent to the variant")
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprint(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/experiments?"+q.Encode())
		if err != nil {
			return err
		}

		var exps []storage.Experiment
		if err := decodeJSON(resp, &exps); err != nil {
			return err
		}
		if len(exps) == 0 {
			printStatus("Experiments", "none")
			return nil
		}
		return writeExperimentTable(cmd.OutOrStdout(), exps)
	},
}

func writeExperimentTable(out io.Writer, exps []storage.Experiment) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSTATUS\tSPLIT\tIMPRESSIONS\tWINNER")
	for _, e := range exps {
		winner := e.Winner
		if winner == "" {
			winner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d/%d\t%s\n",
			e.ID, e.Name, e.Category, e.Status, e.TrafficSplit,
			e.ControlImpressions, e.VariantImpressions, winner)
	}
	return w.Flush()
}

func init() {
	experimentListCmd.Flags().String("status", "", "comma-separated statuses to include (draft, running, paused, completed)")
	experimentListCmd.Flags().Int("limit", 20, "maximum number of experiments")
}

var experimentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an experiment as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/experiments/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var e storage.Experiment
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), e)
	},
}

func transitionCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/experiments/"+url.PathEscape(args[0])+"/"+verb, nil)
			if err != nil {
				return err
			}
			var e storage.Experiment
			if err := decodeJSON(resp, &e); err != nil {
				return err
			}
			printSuccess("Experiment %s is now %s", e.ID, e.Status)
			return nil
		},
	}
}

var (
	experimentStartCmd = transitionCmd("start", "Start a draft experiment")
	experimentStopCmd  = transitionCmd("stop", "Complete a running or paused experiment")
)

var experimentReportCmd = &cobra.Command{
	Use:   "report <id>",
	Short: "Show lift, conversion rates and significance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchReport(cmd, http.MethodGet, "/experiments/"+url.PathEscape(args[0])+"/report")
	},
}

var experimentRecomputeCmd = &cobra.Command{
	Use:   "recompute <id>",
	Short: "Recompute metrics from recorded outcomes and show the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchReport(cmd, http.MethodPost, "/experiments/"+url.PathEscape(args[0])+"/recompute")
	},
}

func fetchReport(cmd *cobra.Command, method, path string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.do(cmd.Context(), method, path, nil)
	if err != nil {
		return err
	}
	var r experiment.Report
	if err := decodeJSON(resp, &r); err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), r)
	}
	writeReport(cmd.OutOrStdout(), r)
	return nil
}

func writeReport(out io.Writer, r experiment.Report) {
	e := r.Experiment
	fmt.Fprintf(out, "%s  %s\n", colorize(colorBold, e.Name), e.ID)
	fmt.Fprintf(out, "  category %s, status %s, split %.2f\n", e.Category, e.Status, e.TrafficSplit)
	fmt.Fprintf(out, "  control  impressions %d  avg rating %.2f  conversions %d (%.1f%%)\n",
		e.ControlImpressions, e.ControlAvgRating, e.ControlConversions, r.ControlConversionRate*100)
	fmt.Fprintf(out, "  variant  impressions %d  avg rating %.2f  conversions %d (%.1f%%)\n",
		e.VariantImpressions, e.VariantAvgRating, e.VariantConversions, r.VariantConversionRate*100)
	fmt.Fprintf(out, "  lift     %+.1f%%\n", r.LiftPercent)

	switch {
	case e.PValue == nil:
		fmt.Fprintln(out, "  verdict  not enough data")
	case e.IsSignificant:
		fmt.Fprintf(out, "  verdict  %s wins (p=%.4f)\n", colorize(colorGreen, strings.ToUpper(e.Winner)), *e.PValue)
	default:
		fmt.Fprintf(out, "  verdict  no significant difference (p=%.4f)\n", *e.PValue)
	}
}

func init() {
	experimentReportCmd.Flags().Bool("json", false, "print the raw report as JSON")
	experimentRecomputeCmd.Flags().Bool("json", false, "print the raw report as JSON")
}

var experimentImpressionCmd = &cobra.Command{
	Use:   "impression <id>",
	Short: "Record that an arm was served",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arm, _ := cmd.Flags().GetString("variant")
		if !storage.Arm(arm).Valid() {
			return fmt.Errorf("--variant must be control or variant")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/experiments/"+url.PathEscape(args[0])+"/impressions",
			map[string]any{"variant": arm})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Recorded %s impression", arm)
		return nil
	},
}

var experimentResultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Record a rated outcome for an arm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arm, _ := cmd.Flags().GetString("variant")
		rating, _ := cmd.Flags().GetFloat64("rating")
		logID, _ := cmd.Flags().GetString("response-log-id")
		if !storage.Arm(arm).Valid() {
			return fmt.Errorf("--variant must be control or variant")
		}
		if !cmd.Flags().Changed("rating") {
			return fmt.Errorf("--rating is required")
		}

		body := map[string]any{"variant": arm, "rating": rating}
		if logID != "" {
			body["response_log_id"] = logID
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/experiments/"+url.PathEscape(args[0])+"/results", body)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Recorded %s result (rating %.1f)", arm, rating)
		return nil
	},
}

func init() {
	experimentImpressionCmd.Flags().String("variant", "", "arm that was served (control or variant)")
	experimentResultCmd.Flags().String("variant", "", "arm that was rated (control or variant)")
	experimentResultCmd.Flags().Float64("rating", 0, "rating from 1 to 5")
	experimentResultCmd.Flags().String("response-log-id", "", "id of the logged response that was rated")

	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentShowCmd)
	experimentCmd.AddCommand(experimentStartCmd)
	experimentCmd.AddCommand(experimentStopCmd)
	experimentCmd.AddCommand(experimentReportCmd)
	experimentCmd.AddCommand(experimentRecomputeCmd)
	experimentCmd.AddCommand(experimentImpressionCmd)
	experimentCmd.AddCommand(experimentResultCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		if cfg.API.Token == "" {
			printWarning("API token not set, run `expd config set-token` or set EXPD_API_TOKEN")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the API bearer token in the secrets file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetToken(args[0]); err != nil {
			return err
		}
		printSuccess("API token saved")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
