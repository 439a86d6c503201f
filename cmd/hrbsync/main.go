package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"

	"github.com/nestal/heartyrabbit/client"
	"github.com/nestal/heartyrabbit/config"
	"github.com/nestal/heartyrabbit/sync"
)

var (
	logger     *slog.Logger
	configPath string
	siteName   string
	destSite   string
	userName   string
	uploadsSec float64
	verbose    bool
)

func init() {
	flag.StringVar(&configPath, "config", "hrb.yaml", "Path to the site configuration file")
	flag.StringVar(&siteName, "site", "", "Site to sync with. Defaults to defaultSite in config.")
	flag.StringVar(&destSite, "dest", "", "Destination site for replicate")
	flag.StringVar(&userName, "user", "", "User to log in as. Defaults to the site's configured user.")
	flag.Float64Var(&uploadsSec, "rate", 0, "Maximum uploads per second during replicate. 0 means unlimited.")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
}

func getSession(ctx context.Context, cfg *config.Sites, name string) (*client.Session, error) {
	site, err := cfg.Get(name)
	if err != nil {
		return nil, err
	}

	pool, err := site.CertPool()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession(&client.Config{
		Site:       site.Host,
		RootCAs:    pool,
		SkipVerify: site.SkipVerify,
		Logger:     logger.WithGroup("client"),
	})
	if err != nil {
		return nil, err
	}

	user := userName
	if user == "" {
		user = site.User
	}
	if user == "" {
		session.Close()
		return nil, fmt.Errorf("no user configured for site %q", site.Host)
	}

	password := os.Getenv("HRB_PASSWORD")
	if password == "" {
		session.Close()
		return nil, fmt.Errorf("HRB_PASSWORD environment variable is not set for user %q", user)
	}

	if err := session.Login(ctx, user, password); err != nil {
		session.Close()
		return nil, fmt.Errorf("login to %s as %q failed: %w", site.Host, user, err)
	}
	return session, nil
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	ctx := context.Background()

	switch args[0] {
	case "dump":
		handleDump(ctx, cfg, args[1:])
	case "load":
		handleLoad(ctx, cfg, args[1:])
	case "replicate":
		handleReplicate(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(args[0]))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: hrbsync [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  HRB_PASSWORD          Password for the configured user\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s %s    Download every collection into a directory tree\n", color.GreenString("dump"), color.CyanString("<dir>"))
	fmt.Fprintf(os.Stderr, "  %s %s    Upload a directory tree, one collection per subdirectory\n", color.GreenString("load"), color.CyanString("<dir> [coll]"))
	fmt.Fprintf(os.Stderr, "  %s       Copy missing blobs from -site to -dest\n", color.GreenString("replicate"))
}

func handleDump(ctx context.Context, cfg *config.Sites, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "dump: requires <dir>")
		printUsage()
		os.Exit(1)
	}

	session, err := getSession(ctx, cfg, siteName)
	if err != nil {
		fatal(err)
	}
	defer session.Close()

	written, err := sync.Dump(ctx, session, args[0], logger)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s %d blobs written to %s\n", color.GreenString("Done:"), written, args[0])
}

func handleLoad(ctx context.Context, cfg *config.Sites, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "load: requires <dir> [coll]")
		printUsage()
		os.Exit(1)
	}
	collection := ""
	if len(args) == 2 {
		collection = args[1]
	}

	session, err := getSession(ctx, cfg, siteName)
	if err != nil {
		fatal(err)
	}
	defer session.Close()

	uploaded, err := sync.Load(ctx, session, args[0], collection, logger)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s %d blobs uploaded from %s\n", color.GreenString("Done:"), uploaded, args[0])
}

func handleReplicate(ctx context.Context, cfg *config.Sites, args []string) {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "replicate: takes no arguments, use -site and -dest")
		printUsage()
		os.Exit(1)
	}
	if destSite == "" {
		fmt.Fprintln(os.Stderr, "replicate: -dest is required")
		printUsage()
		os.Exit(1)
	}

	src, err := getSession(ctx, cfg, siteName)
	if err != nil {
		fatal(err)
	}
	defer src.Close()

	dst, err := getSession(ctx, cfg, destSite)
	if err != nil {
		fatal(err)
	}
	defer dst.Close()

	rep, err := sync.NewReplicator(&sync.Config{
		Source:           src,
		Dest:             dst,
		UploadsPerSecond: uploadsSec,
		Logger:           logger,
	})
	if err != nil {
		fatal(err)
	}
	defer rep.Close()

	stats, err := rep.Replicate(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s %d collections, %d copied, %d already present\n",
		color.GreenString("Done:"), stats.Collections, stats.Copied, stats.Skipped)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	os.Exit(1)
}
