package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/nestal/heartyrabbit/client"
	"github.com/nestal/heartyrabbit/config"
)

var (
	logger     *slog.Logger
	configPath string
	siteName   string
	userName   string
	authKey    string
	ownerName  string
	rendition  string
	outputPath string
	verbose    bool
)

func init() {
	flag.StringVar(&configPath, "config", "hrb.yaml", "Path to the site configuration file")
	flag.StringVar(&siteName, "site", "", "Site name from the configuration. Defaults to defaultSite in config.")
	flag.StringVar(&userName, "user", "", "User to log in as. Defaults to the site's configured user.")
	flag.StringVar(&authKey, "auth", "", "Collection auth key for anonymous access to a shared collection")
	flag.StringVar(&ownerName, "owner", "", "Owner of the collection to operate on. Defaults to the logged-in user.")
	flag.StringVar(&rendition, "rendition", "", "Blob rendition to fetch (e.g. master, thumbnail)")
	flag.StringVar(&outputPath, "o", "", "Write fetched blob to this file instead of its own filename")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
}

func getSession(ctx context.Context) (*client.Session, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	site, err := cfg.Get(siteName)
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

	// No user means anonymous access. Shared and public reads still work,
	// possibly with an auth key.
	if user == "" {
		return session, nil
	}

	password := os.Getenv("HRB_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("HRB_PASSWORD environment variable is not set for user %q", user)
	}

	if err := session.Login(ctx, user, password); err != nil {
		session.Close()
		return nil, fmt.Errorf("login as %q failed: %w", user, err)
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

	command := args[0]
	cmdArgs := args[1:]

	ctx := context.Background()
	session, err := getSession(ctx)
	if err != nil {
		logger.Error("Failed to initialize session", "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
	defer session.Close()

	switch command {
	case "login":
		handleLogin(session)
	case "ls":
		handleList(ctx, session, cmdArgs)
	case "get":
		handleGet(ctx, session, cmdArgs)
	case "put":
		handlePut(ctx, session, cmdArgs)
	case "rm":
		handleRemove(ctx, session, cmdArgs)
	case "rmdir":
		handleRemoveCollection(ctx, session, cmdArgs)
	case "mv":
		handleMove(ctx, session, cmdArgs)
	case "perm":
		handlePermission(ctx, session, cmdArgs)
	case "cover":
		handleCover(ctx, session, cmdArgs)
	case "share":
		handleShare(ctx, session, cmdArgs)
	case "shares":
		handleShares(ctx, session, cmdArgs)
	case "public":
		handlePublic(ctx, session, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: hrbc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  HRB_PASSWORD          Password for the configured user\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("login"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("ls"), color.CyanString("[collection]"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("get"), color.CyanString("<collection>"), color.CyanString("<blob-id>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("put"), color.CyanString("<collection>"), color.CyanString("<file>..."))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("rm"), color.CyanString("<collection>"), color.CyanString("<blob-id>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("rmdir"), color.CyanString("<collection>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s %s\n", color.GreenString("mv"), color.CyanString("<collection>"), color.CyanString("<blob-id>"), color.CyanString("<dest-collection>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s %s\n", color.GreenString("perm"), color.CyanString("<collection>"), color.CyanString("<blob-id>"), color.CyanString("<private|shared|public>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("cover"), color.CyanString("<collection>"), color.CyanString("<blob-id>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("share"), color.CyanString("<collection>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("shares"), color.CyanString("<collection>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("public"), color.CyanString("[user]"))
}

func fatal(err error) {
	switch {
	case errors.Is(err, client.ErrNotFound):
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Not found:"), err)
	case errors.Is(err, client.ErrForbidden):
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Forbidden:"), err)
	case errors.Is(err, client.ErrAnonymous):
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Not logged in:"), err)
	default:
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	}
	os.Exit(1)
}

func handleLogin(session *client.Session) {
	if session.User() == "" {
		fatal(errors.New("no user configured, set one in the config file or with -user"))
	}
	fmt.Printf("Logged in to %s as %s\n", color.CyanString(session.Host()), color.CyanString(session.User()))
}

func handleList(ctx context.Context, session *client.Session, args []string) {
	if len(args) == 0 {
		colls, err := session.ListCollections(ctx, ownerName)
		if err != nil {
			fatal(err)
		}
		if len(colls) == 0 {
			color.HiYellow("No collections found.")
			return
		}
		for _, c := range colls {
			name := c.Name
			if name == "" {
				name = "(root)"
			}
			fmt.Printf("%s cover=%s\n", color.CyanString(name), c.Cover)
		}
		return
	}

	coll, err := session.GetCollection(ctx, args[0], &client.ViewOptions{
		User:    ownerName,
		AuthKey: authKey,
	})
	if err != nil {
		fatal(err)
	}
	if len(coll.Elements) == 0 {
		color.HiYellow("Collection is empty.")
		return
	}
	for id, blob := range coll.Elements {
		marker := " "
		if id == coll.Cover {
			marker = "*"
		}
		fmt.Printf("%s %s %-8s %s %s\n",
			marker,
			color.CyanString(id),
			blob.Permission,
			time.Unix(blob.Timestamp, 0).Format(time.RFC3339),
			blob.Filename,
		)
	}
}

func handleGet(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "get: requires <collection> <blob-id>")
		printUsage()
		os.Exit(1)
	}

	blob, err := session.GetBlob(ctx, args[0], args[1], &client.FetchOptions{
		Owner:     ownerName,
		Rendition: rendition,
		AuthKey:   authKey,
	})
	if err != nil {
		fatal(err)
	}

	dest := outputPath
	if dest == "" {
		dest = blob.Filename
	}
	if dest == "" {
		dest = blob.ID
	}

	if err := os.WriteFile(dest, blob.Data, 0644); err != nil {
		fatal(err)
	}
	fmt.Printf("%s %s (%d bytes)\n", color.GreenString("Saved"), dest, len(blob.Data))
}

func handlePut(ctx context.Context, session *client.Session, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "put: requires <collection> <file>...")
		printUsage()
		os.Exit(1)
	}

	collection := args[0]
	for _, path := range args[1:] {
		file, err := os.Open(path)
		if err != nil {
			fatal(err)
		}

		id, err := session.Upload(ctx, collection, filepath.Base(path), file, &client.UploadOptions{
			Owner: ownerName,
		})
		file.Close()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", color.CyanString(id), path)
	}
}

func handleRemove(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "rm: requires <collection> <blob-id>")
		printUsage()
		os.Exit(1)
	}
	if err := session.DeleteBlob(ctx, args[0], args[1]); err != nil {
		fatal(err)
	}
	color.HiGreen("OK")
}

func handleRemoveCollection(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "rmdir: requires <collection>")
		printUsage()
		os.Exit(1)
	}
	if err := session.DeleteCollection(ctx, args[0]); err != nil {
		fatal(err)
	}
	color.HiGreen("OK")
}

func handleMove(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "mv: requires <collection> <blob-id> <dest-collection>")
		printUsage()
		os.Exit(1)
	}
	if err := session.MoveBlob(ctx, args[0], args[1], args[2]); err != nil {
		fatal(err)
	}
	color.HiGreen("OK")
}

func handlePermission(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "perm: requires <collection> <blob-id> <private|shared|public>")
		printUsage()
		os.Exit(1)
	}

	perm := client.Permission(args[2])
	switch perm {
	case client.PermPrivate, client.PermShared, client.PermPublic:
	default:
		fatal(fmt.Errorf("unknown permission %q", args[2]))
	}

	if err := session.SetPermission(ctx, args[0], args[1], perm); err != nil {
		fatal(err)
	}
	color.HiGreen("OK")
}

func handleCover(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "cover: requires <collection> <blob-id>")
		printUsage()
		os.Exit(1)
	}
	if err := session.SetCover(ctx, args[0], args[1]); err != nil {
		fatal(err)
	}
	color.HiGreen("OK")
}

func handleShare(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "share: requires <collection>")
		printUsage()
		os.Exit(1)
	}

	link, err := session.ShareCollection(ctx, args[0])
	if err != nil {
		fatal(err)
	}
	fmt.Println(link)
}

func handleShares(ctx context.Context, session *client.Session, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "shares: requires <collection>")
		printUsage()
		os.Exit(1)
	}

	keys, err := session.ListShares(ctx, args[0])
	if err != nil {
		fatal(err)
	}
	if len(keys) == 0 {
		color.HiYellow("No share links.")
		return
	}
	for _, key := range keys {
		fmt.Println(key)
	}
}

func handlePublic(ctx context.Context, session *client.Session, args []string) {
	user := ""
	if len(args) > 0 {
		user = args[0]
	}

	blobs, err := session.ListPublicBlobs(ctx, user)
	if err != nil {
		fatal(err)
	}
	if len(blobs) == 0 {
		color.HiYellow("No public blobs found.")
		return
	}
	for id, blob := range blobs {
		fmt.Printf("%s %s\n", color.CyanString(id), blob.Filename)
	}
}
