package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pokemon-ai/multirunner/dex"
)

var (
	exportSource  string
	exportOut     string
	exportGens    []string
	exportWorkers int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write per-generation dex data as JSON",
	Long:  "Read <source>/<gen>/<table>.{yaml,yml,toml,json} and write <out>/<gen>.json keyed by table name, indented with two spaces.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		results, err := dex.Export(ctx, dex.Options{
			Source:  exportSource,
			Out:     exportOut,
			Gens:    exportGens,
			Workers: exportWorkers,
		})
		if err != nil {
			logrus.Fatalf("Export failed: %v", err)
		}
		for _, res := range results {
			logrus.Infof("Wrote %s (%d tables)", res.Path, res.Tables)
		}
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSource, "source", "", "Directory with one sub-directory of tables per generation")
	exportCmd.Flags().StringVar(&exportOut, "out", "data/dex", "Output directory")
	exportCmd.Flags().StringArrayVar(&exportGens, "gen", nil, "Generation to export (can be repeated; default: all)")
	exportCmd.Flags().IntVar(&exportWorkers, "workers", 0, "Generations exported concurrently (default: GOMAXPROCS)")
	_ = exportCmd.MarkFlagRequired("source")

	rootCmd.AddCommand(exportCmd)
}
