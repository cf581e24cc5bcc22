package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/veldora/depotget/depotget"
	"github.com/veldora/depotget/depotget/logger"
)

type cliOptions struct {
	cdnURL       string
	token        string
	tokenURL     string
	workers      int
	retries      int
	retryBackoff time.Duration
	workDir      string
	oldManifest  string
	verify       bool
	noProgress   bool
	logLevel     string
	configPath   string
}

var opts cliOptions

func main() {
	rootCmd := &cobra.Command{
		Use:   "depotget",
		Short: "Synchronize an install directory to a depot build",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.cdnURL, "cdn", "", "CDN base URL chunk locators resolve against")
	pf.StringVar(&opts.token, "token", "", "Bearer token for CDN requests")
	pf.StringVar(&opts.tokenURL, "token-url", "", "Token endpoint for short-lived CDN tokens (overrides --token)")
	pf.IntVar(&opts.workers, "workers", 4, "Concurrent chunk downloads")
	pf.IntVar(&opts.retries, "retries", 5, "Retry attempts per chunk")
	pf.DurationVar(&opts.retryBackoff, "retry-backoff", time.Second, "Initial retry backoff")
	pf.StringVar(&opts.workDir, "work-dir", "", "Directory for resume state (default <INSTALL_DIR>/.depotget)")
	pf.StringVar(&opts.oldManifest, "old-manifest", "", "Manifest of the currently installed build")
	pf.BoolVar(&opts.verify, "verify", false, "Re-hash local chunks instead of trusting file sizes")
	pf.StringVar(&opts.logLevel, "log-level", "error", "Log level: silent, error, warn, info, debug")
	pf.StringVar(&opts.configPath, "config", "", "Config file (default ~/.depotget/config.toml)")

	planCmd := &cobra.Command{
		Use:   "plan <MANIFEST> <INSTALL_DIR>",
		Short: "Show what a sync would fetch, reuse and rewrite without downloading",
		Args:  cobra.ExactArgs(2),
		Run:   runPlan,
	}

	syncCmd := &cobra.Command{
		Use:   "sync <MANIFEST> <INSTALL_DIR>",
		Short: "Download and assemble the build described by the manifest",
		Args:  cobra.ExactArgs(2),
		Run:   runSync,
	}
	syncCmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	verifyCmd := &cobra.Command{
		Use:   "verify <MANIFEST> <INSTALL_DIR>",
		Short: "Re-hash the install and report chunks that are missing or corrupt",
		Args:  cobra.ExactArgs(2),
		Run:   runVerify,
	}

	rootCmd.AddCommand(planCmd, syncCmd, verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup merges the config file into unset flags and applies the log level.
func setup(cmd *cobra.Command) error {
	path := opts.configPath
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" && fileExists(path) {
		fc, err := loadFileConfig(path)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		if err := applyFileConfig(cmd, fc, &opts); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}

	levels := map[string]logger.LogLevel{
		"silent": logger.LogLevelSilent,
		"error":  logger.LogLevelError,
		"warn":   logger.LogLevelWarn,
		"info":   logger.LogLevelInfo,
		"debug":  logger.LogLevelDebug,
	}
	level, ok := levels[opts.logLevel]
	if !ok {
		return fmt.Errorf("unknown log level: %s", opts.logLevel)
	}
	logger.SetLogLevel(level)
	return nil
}

func loadManifest(path string) (*depotget.BuildManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return depotget.ParseManifest(data)
}

func loadOldManifest() (*depotget.BuildManifest, error) {
	if opts.oldManifest == "" {
		return nil, nil
	}
	return loadManifest(opts.oldManifest)
}

func strategy() depotget.VerifyStrategy {
	if opts.verify {
		return depotget.Verified
	}
	return depotget.Trusted
}

func workDirFor(installDir string) string {
	if opts.workDir != "" {
		return opts.workDir
	}
	return filepath.Join(installDir, ".depotget")
}

func newSource() *depotget.CDNSource {
	var sourceOpts []depotget.CDNOption
	if opts.tokenURL != "" {
		provider := depotget.NewTokenProvider(opts.tokenURL, nil, nil)
		sourceOpts = append(sourceOpts, depotget.WithTokenProvider(provider))
	} else if opts.token != "" {
		token := opts.token
		sourceOpts = append(sourceOpts, depotget.WithAuthorizer(func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		}))
	}
	return depotget.NewCDNSource(opts.cdnURL, sourceOpts...)
}

func newSession(manifest, old *depotget.BuildManifest, installDir string, progress depotget.ProgressCallback) *depotget.Session {
	return depotget.NewSession(manifest, installDir, workDirFor(installDir), newSource(), depotget.SyncOptions{
		Workers:      opts.workers,
		MaxRetries:   opts.retries,
		RetryBackoff: opts.retryBackoff,
		Strategy:     strategy(),
		OldManifest:  old,
		Progress:     progress,
	})
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func runPlan(cmd *cobra.Command, args []string) {
	manifest, err := loadManifest(args[0])
	if err != nil {
		fatal("%v", err)
	}
	old, err := loadOldManifest()
	if err != nil {
		fatal("%v", err)
	}

	session := newSession(manifest, old, args[1], nil)
	plan, err := session.Plan(context.Background())
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("Plan for build %s:\n", plan.BuildID)
	fmt.Printf("  fetch: %d chunks (%d bytes compressed, %d bytes written)\n",
		len(plan.ChunkTasks), plan.FetchBytes, plan.WriteBytes)
	fmt.Printf("  reuse: %d chunks (%d bytes)\n", len(plan.ReuseTasks), plan.ReuseBytes)
	if plan.NothingToFetch() {
		fmt.Println("Install is already up to date; nothing to download.")
	}
}

func runSync(cmd *cobra.Command, args []string) {
	if opts.cdnURL == "" {
		fatal("--cdn is required for sync (flag or config file)")
	}

	manifest, err := loadManifest(args[0])
	if err != nil {
		fatal("%v", err)
	}
	old, err := loadOldManifest()
	if err != nil {
		fatal("%v", err)
	}

	var progress depotget.ProgressCallback
	var bar *progressbar.ProgressBar
	var initOnce bool

	if !opts.noProgress {
		progress = func(current, total int64) {
			if !initOnce && total > 0 {
				bar = progressbar.DefaultBytes(total, fmt.Sprintf("Syncing build %s", manifest.BuildID))
				initOnce = true
			}
			if bar != nil {
				bar.Set64(current)
			}
		}
	}

	session := newSession(manifest, old, args[1], progress)
	stats, err := session.Run(context.Background())
	if err != nil {
		if bar != nil {
			fmt.Fprintln(os.Stderr)
		}
		fatal("%v", err)
	}

	if bar != nil {
		fmt.Println()
	}
	fmt.Printf("Synced build %s: %d chunks fetched (%d bytes), %d reused, %d unchanged files",
		manifest.BuildID, stats.FetchedChunks, stats.FetchedBytes, stats.ReusedChunks, stats.UnchangedFiles)
	if stats.SkippedChunks > 0 {
		fmt.Printf(" (%d resumed)", stats.SkippedChunks)
	}
	if stats.Retries > 0 {
		fmt.Printf(" (%d retries)", stats.Retries)
	}
	if stats.DeletedFiles > 0 {
		fmt.Printf(" (%d stale files removed)", stats.DeletedFiles)
	}
	fmt.Println()
}

func runVerify(cmd *cobra.Command, args []string) {
	manifest, err := loadManifest(args[0])
	if err != nil {
		fatal("%v", err)
	}

	ctx := context.Background()
	inv, err := depotget.ScanInventory(ctx, args[1], manifest, depotget.Verified)
	if err != nil {
		fatal("%v", err)
	}

	var total, missing int
	for i := range manifest.Files {
		file := &manifest.Files[i]
		var offset int64
		for j := range file.Chunks {
			total++
			intact := false
			for _, loc := range inv.Lookup(file.Chunks[j].Digest) {
				if loc.Path == file.Path && loc.Offset == offset {
					intact = true
					break
				}
			}
			if !intact {
				missing++
				fmt.Printf("damaged or missing: %s (chunk %d, %s)\n",
					file.Path, j, file.Chunks[j].Digest)
			}
			offset += file.Chunks[j].Size
		}
	}

	if missing > 0 {
		fmt.Printf("%d/%d chunks failed verification\n", missing, total)
		os.Exit(1)
	}
	fmt.Printf("All %d chunks verified.\n", total)
}
