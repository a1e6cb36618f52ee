package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/parley-voice/parley/internal/cli"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/usage"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage per-model token pricing",
}

var pricingImportCmd = &cobra.Command{
	Use:   "import <file.toml>",
	Short: "Load a TOML pricing file into the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runPricingImport,
}

var pricingDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Show the built-in pricing used when the database has no entry",
	RunE:  runPricingDefaults,
}

func init() {
	pricingCmd.AddCommand(pricingImportCmd, pricingDefaultsCmd)
	rootCmd.AddCommand(pricingCmd)
}

// pricingFromFile converts a seed file into store rows, sorted by model.
func pricingFromFile(pf *config.PricingFile) ([]usage.Pricing, error) {
	models := make([]string, 0, len(pf.Models))
	for name := range pf.Models {
		models = append(models, name)
	}
	sort.Strings(models)

	out := make([]usage.Pricing, 0, len(models))
	for _, name := range models {
		m := pf.Models[name]
		from, err := m.EffectiveDate()
		if err != nil {
			return nil, fmt.Errorf("model %s: invalid effective_from: %w", name, err)
		}
		out = append(out, usage.Pricing{
			Model:         name,
			EffectiveFrom: from,
			InputText:     m.InputText,
			InputAudio:    m.InputAudio,
			OutputText:    m.OutputText,
			OutputAudio:   m.OutputAudio,
			CachedInput:   m.Cached,
		})
	}
	return out, nil
}

func runPricingImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	pf, err := config.LoadPricingFile(args[0])
	if err != nil {
		return err
	}
	rows, err := pricingFromFile(pf)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	store := storage.NewStore(db, logger)
	defer store.Close()

	for _, p := range rows {
		if err := store.UpsertPricing(ctx, p); err != nil {
			return fmt.Errorf("store pricing for %s: %w", p.Model, err)
		}
	}
	fmt.Fprint(cmd.OutOrStdout(), cli.RenderTable(pricingTable("Imported pricing", rows)))
	return nil
}

func runPricingDefaults(cmd *cobra.Command, _ []string) error {
	fmt.Fprint(cmd.OutOrStdout(), cli.RenderTable(pricingTable("Built-in pricing (cents per 1M tokens)", usage.DefaultPricingTable())))
	return nil
}

func pricingTable(title string, rows []usage.Pricing) cli.Table {
	t := cli.Table{
		Title:   title,
		Headers: []string{"Model", "From", "In text", "In audio", "Out text", "Out audio", "Cached"},
	}
	for _, p := range rows {
		from := "-"
		if !p.EffectiveFrom.IsZero() {
			from = p.EffectiveFrom.Format("2006-01-02")
		}
		t.Rows = append(t.Rows, []string{
			p.Model,
			from,
			cli.FormatNumber(p.InputText),
			cli.FormatNumber(p.InputAudio),
			cli.FormatNumber(p.OutputText),
			cli.FormatNumber(p.OutputAudio),
			cli.FormatNumber(p.CachedInput),
		})
	}
	return t
}
