package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:   "wfmu",
		Short: "Incremental archiver for the WFMU Beware of the Blog",
		Long: `wfmu archives blog.wfmu.org into a local SQLite database: posts,
comments, categories and every referenced media file. Crawls are
incremental and resumable; interrupt one and the next run picks up at
the last fully committed listing page.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if flagDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		crawlCmd(), mediaCmd(), refetchCmd(), verifyCmd(),
		exportCmd(), feedCmd(), statsCmd(), searchCmd(), listCmd(), archiveCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore loads the configuration and opens the archive database.
func openStore() (*Config, *Store, error) {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func crawlCmd() *cobra.Command {
	var maxPages int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the blog listing and archive new posts",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return NewCrawler(store, cfg, newFetchLimiter()).Run(maxPages)
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages (0 = no bound)")
	return cmd
}

func mediaCmd() *cobra.Command {
	var kind string
	var limit int
	var retryFailed bool
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Download media referenced by archived posts",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			fetcher := NewMediaFetcher(store, cfg, newFetchLimiter())
			if kind == "" {
				return fetcher.RunAll(limit, retryFailed)
			}
			k := MediaKind(kind)
			if _, ok := kindDirs[k]; !ok {
				return fmt.Errorf("unknown media kind %q (image, audio, video, document)", kind)
			}
			return fetcher.Run(k, limit, retryFailed)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only this kind (image, audio, video, document)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max downloads per kind (0 = all pending)")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "clear attempt counts for failed downloads first")
	return cmd
}

func refetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refetch <post-url>",
		Short: "Re-fetch a single post and rewrite its archived copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return NewCrawler(store, cfg, newFetchLimiter()).Refetch(args[0])
		},
	}
}

func verifyCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check archive integrity and report issues",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return runVerify(store, cfg, output)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "also write the report as JSON to this file")
	return cmd
}

func runVerify(store *Store, cfg *Config, output string) error {
	report, err := NewVerifier(store, cfg).Report()
	if err != nil {
		return err
	}
	report.Print()
	if output == "" {
		return nil
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := report.WriteJSON(f); err != nil {
		return err
	}
	slog.Info("Wrote verification report", "path", output)
	return nil
}

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the archive as JSON",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			w := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return ExportJSON(store, w)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write to this file instead of stdout")
	return cmd
}

func feedCmd() *cobra.Command {
	var output string
	var limit int
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Generate an Atom feed of recently archived posts",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			w := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create feed file: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return WriteFeed(store, cfg, limit, w)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write to this file instead of stdout")
	cmd.Flags().IntVar(&limit, "limit", 25, "number of posts in the feed")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print archive statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return printStats(store, cfg)
		},
	}
}

func printStats(store *Store, cfg *Config) error {
	posts, err := store.CountPosts()
	if err != nil {
		return err
	}
	comments, err := store.CountComments()
	if err != nil {
		return err
	}
	fmt.Printf("Posts:    %d\n", posts)
	fmt.Printf("Comments: %d\n", comments)

	earliest, latest, err := store.DateRange()
	if err != nil {
		return err
	}
	if earliest != nil && latest != nil {
		fmt.Printf("Range:    %s to %s\n", earliest.Format("2006-01-02"), latest.Format("2006-01-02"))
	}

	ceilings := make(map[MediaKind]int, len(mediaKinds))
	for _, kind := range mediaKinds {
		ceilings[kind] = cfg.policyFor(kind).MaxAttempts
	}
	mediaStats, err := store.MediaStats(ceilings)
	if err != nil {
		return err
	}
	kinds := make([]string, 0, len(mediaStats))
	for k := range mediaStats {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Println("\nMedia:")
	for _, k := range kinds {
		s := mediaStats[k]
		fmt.Printf("  %-9s %d total, %d downloaded, %d pending, %d failed\n",
			k, s.Total, s.Downloaded, s.Pending, s.Failed)
	}

	perYear, err := store.PostsPerYear()
	if err != nil {
		return err
	}
	if len(perYear) > 0 {
		years := make([]int, 0, len(perYear))
		for y := range perYear {
			years = append(years, y)
		}
		sort.Ints(years)
		fmt.Println("\nPosts per year:")
		for _, y := range years {
			fmt.Printf("  %d: %d\n", y, perYear[y])
		}
	}

	authors, err := store.TopAuthors(15)
	if err != nil {
		return err
	}
	if len(authors) > 0 {
		fmt.Println("\nTop authors:")
		for _, a := range authors {
			fmt.Printf("  %-30s %d\n", a.Name, a.Posts)
		}
	}

	cats, err := store.Categories()
	if err != nil {
		return err
	}
	if len(cats) > 0 {
		fmt.Println("\nTop categories:")
		for i, c := range cats {
			if i >= 15 {
				break
			}
			fmt.Printf("  %-30s %d\n", c.Name, c.PostCount)
		}
	}
	return nil
}

func searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search archived posts by title, content or author",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			posts, err := store.SearchPosts(args[0], limit)
			if err != nil {
				return err
			}
			printPostTable(posts)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func listCmd() *cobra.Command {
	var author, category, from, to string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived posts, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			opts := ListOptions{Author: author, Category: category, Limit: limit, Offset: offset}
			if from != "" {
				t, err := time.Parse("2006-01-02", from)
				if err != nil {
					return fmt.Errorf("invalid --from date %q: %w", from, err)
				}
				opts.From = &t
			}
			if to != "" {
				t, err := time.Parse("2006-01-02", to)
				if err != nil {
					return fmt.Errorf("invalid --to date %q: %w", to, err)
				}
				opts.To = &t
			}

			posts, err := store.ListPosts(opts)
			if err != nil {
				return err
			}
			printPostTable(posts)
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "filter by author")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&from, "from", "", "published on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "published on or before (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max posts to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many posts")
	return cmd
}

func printPostTable(posts []Post) {
	if len(posts) == 0 {
		fmt.Println("No posts found.")
		return
	}
	for _, p := range posts {
		date := "          "
		if p.Published != nil {
			date = p.Published.Format("2006-01-02")
		}
		title := p.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-50s %s\n", date, truncate(title, 50), p.Author)
	}
	fmt.Printf("\n%d posts\n", len(posts))
}

// archiveCmd runs the full pipeline: crawl, then media, then verify.
func archiveCmd() *cobra.Command {
	var maxPages int
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Run the full pipeline: crawl, download media, verify",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			limiter := newFetchLimiter()
			if err := NewCrawler(store, cfg, limiter).Run(maxPages); err != nil {
				return err
			}
			if err := NewMediaFetcher(store, cfg, limiter).RunAll(0, false); err != nil {
				return err
			}
			return runVerify(store, cfg, "")
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop the crawl after this many pages (0 = no bound)")
	return cmd
}
