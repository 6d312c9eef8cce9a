package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/deploykit/internal/journal"
	"github.com/sigreer/deploykit/internal/mirror"
	"github.com/sigreer/deploykit/internal/recipe"
)

const manifestTimeout = 30 * time.Second

var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "List system variants installable on this machine",
	Args:  cobra.NoArgs,
	RunE:  runVariants,
}

var mirrorsCmd = &cobra.Command{
	Use:   "mirrors",
	Short: "Rank download mirrors by speed",
	Long: `Download a small test file from every mirror in the manifest and list
the mirrors that served it intact, fastest first.

With --last the most recent ranking is read back from the journal and no
mirror is contacted.`,
	Args: cobra.NoArgs,
	RunE: runMirrors,
}

func init() {
	mirrorsCmd.Flags().Bool("last", false, "show the last recorded ranking")
}

func fetchRecipe(ctx context.Context) (*recipe.Recipe, error) {
	client := recipe.NewHTTPClient(manifestTimeout)
	logger.Debug("fetching manifest", "url", cfg.ManifestURL)
	return recipe.FetchRecipe(ctx, client, cfg.ManifestURL)
}

// resolver targets the configured machine, or the host when none is set
func resolver() recipe.Resolver {
	res := recipe.NewResolver()
	if cfg.Arch != "" {
		res.Machine = cfg.Arch
	}
	return res
}

func runVariants(cmd *cobra.Command, args []string) error {
	r, err := fetchRecipe(context.Background())
	if err != nil {
		return err
	}
	entries, err := resolver().Candidates(r)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		if entries == nil {
			entries = []recipe.VariantEntry{}
		}
		return printJSON(out, entries)
	}

	if r.Bulletin.Title != "" {
		fmt.Fprintf(out, "[%s] %s\n%s\n\n", r.Bulletin.Type, r.Bulletin.Title, r.Bulletin.Body)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No variants available for this machine.")
		return nil
	}
	printVariants(out, entries)
	return nil
}

func printVariants(w io.Writer, entries []recipe.VariantEntry) {
	fmt.Fprintf(w, "%-16s %-10s %10s %10s\n", "VARIANT", "DATE", "DOWNLOAD", "INSTALLED")
	for _, e := range entries {
		fmt.Fprintf(w, "%-16s %-10s %10s %10s\n", e.Name, e.Date, humanize.Bytes(e.Size), humanize.Bytes(e.InstallSize))
	}
}

func runMirrors(cmd *cobra.Command, args []string) error {
	last, _ := cmd.Flags().GetBool("last")
	if last {
		return showLastSpeedtest(cmd.OutOrStdout())
	}

	r, err := fetchRecipe(context.Background())
	if err != nil {
		return err
	}
	mirrors := r.MirrorList()

	b := &mirror.Benchmark{
		Client:  recipe.NewHTTPClient(0),
		Workers: cfg.Speedtest.Workers,
		Timeout: cfg.Speedtest.Timeout,
		Logger:  logger,
	}
	logger.Info("benchmarking mirrors", "count", len(mirrors), "workers", b.Workers)
	results := b.Speedtest(context.Background(), mirrors)

	if j := recorder(); j != nil {
		defer j.Close()
		scores := make([]journal.MirrorScore, 0, len(results))
		for i, res := range results {
			scores = append(scores, journal.MirrorScore{
				Rank:  i + 1,
				Name:  res.Mirror.Name,
				URL:   res.Mirror.URL,
				Score: res.Score,
			})
		}
		if _, err := j.RecordSpeedtest(len(mirrors), scores); err != nil {
			logger.Warn("failed to journal speedtest", "error", err)
		}
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		if results == nil {
			results = []mirror.Result{}
		}
		return printJSON(out, results)
	}
	if len(results) == 0 {
		fmt.Fprintf(out, "None of %d mirrors passed the speed test.\n", len(mirrors))
		return nil
	}
	printMirrors(out, results)
	return nil
}

func printMirrors(w io.Writer, results []mirror.Result) {
	fmt.Fprintf(w, "%-4s %-24s %-20s %8s\n", "RANK", "MIRROR", "LOCATION", "SECONDS")
	for i, res := range results {
		fmt.Fprintf(w, "%-4d %-24s %-20s %8.3f\n", i+1, res.Mirror.Name, res.Mirror.Loc, res.Score)
	}
}

func showLastSpeedtest(w io.Writer) error {
	j, err := openJournal()
	if errors.Is(err, errJournalDisabled) {
		if wantJSON(w) {
			return printJSON(w, nil)
		}
		fmt.Fprintln(w, "Journal is disabled, no speed test recorded.")
		return nil
	}
	if err != nil {
		return err
	}
	defer j.Close()

	run, err := j.LatestSpeedtest()
	if err != nil {
		return err
	}
	if wantJSON(w) {
		return printJSON(w, run)
	}
	if run == nil {
		fmt.Fprintln(w, "No speed test recorded.")
		return nil
	}

	fmt.Fprintf(w, "Speed test %s: %d of %d mirrors passed\n",
		humanize.Time(run.Timestamp), run.Passed, run.Probed)
	fmt.Fprintf(w, "%-4s %-24s %8s\n", "RANK", "MIRROR", "SECONDS")
	for _, s := range run.Scores {
		fmt.Fprintf(w, "%-4d %-24s %8.3f\n", s.Rank, s.Name, s.Score)
	}
	return nil
}
