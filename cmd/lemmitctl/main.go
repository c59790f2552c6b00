// Command lemmitctl manages the communities tracked by the mirror bot:
// listing, adding, enabling and disabling them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"lemmit/internal/config"
	"lemmit/internal/database"
	"lemmit/internal/lemmy"
	"lemmit/internal/models"
	"lemmit/internal/reddit"
	"lemmit/internal/syncer"

	"github.com/joho/godotenv"
)

const usage = `usage: lemmitctl <command> [args]

commands:
  list [--markdown]   overview of communities, enabled first
  add <ident>         add a new community to the scrape rotation
  enable <ident>      resume mirroring a community
  disable <ident>     pause mirroring a community
  status <ident>      show one community's stats
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	_ = godotenv.Load()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		log.ErrorContext(ctx, "Invalid configuration",
			"error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.DatabasePath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DatabasePath)
		os.Exit(1)
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err)
		}
	}()

	if err = run(ctx, cfg, db, log, os.Args[1], os.Args[2:]); err != nil {
		log.ErrorContext(ctx, "Command failed",
			"error", err,
			"command", os.Args[1])
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, db *database.Database, log *slog.Logger, command string, args []string) error {
	switch command {
	case "list":
		return list(ctx, cfg, db, len(args) > 0 && args[0] == "--markdown")
	case "add":
		if len(args) != 1 {
			return fmt.Errorf("usage: lemmitctl add <ident>")
		}
		return add(ctx, cfg, db, log, args[0])
	case "enable":
		if len(args) != 1 {
			return fmt.Errorf("usage: lemmitctl enable <ident>")
		}
		return setEnabled(ctx, db, log, args[0], true)
	case "disable":
		if len(args) != 1 {
			return fmt.Errorf("usage: lemmitctl disable <ident>")
		}
		return setEnabled(ctx, db, log, args[0], false)
	case "status":
		if len(args) != 1 {
			return fmt.Errorf("usage: lemmitctl status <ident>")
		}
		return status(ctx, db, args[0])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func list(ctx context.Context, cfg config.Config, db *database.Database, asMarkdown bool) error {
	overviews, err := db.ListCommunityOverviews(ctx)
	if err != nil {
		return fmt.Errorf("list communities: %w", err)
	}

	if asMarkdown {
		fmt.Println("| Ident | NSFW | Status | Subscribers |")
		fmt.Println("|-------|------|--------|-------------|")
		for _, o := range overviews {
			fmt.Printf("| [%s](%s/c/%s) | %s | %s | %d |\n",
				o.Ident, cfg.LemmyBaseURL, o.Ident, nsfwLabel(o.NSFW), statusLabel(o.Enabled), o.Subscribers)
		}
		return nil
	}

	fmt.Printf("%-30s | %-4s | %-8s | %s\n", "Ident", "NSFW", "Status", "Subscribers")
	for _, o := range overviews {
		fmt.Printf("%-30s | %-4s | %-8s | %d\n",
			o.Ident, nsfwLabel(o.NSFW), statusLabel(o.Enabled), o.Subscribers)
	}

	return nil
}

func add(ctx context.Context, cfg config.Config, db *database.Database, log *slog.Logger, ident string) error {
	lemmyClient, err := lemmy.New(ctx, cfg.LemmyBaseURL, cfg.LemmyUsername, cfg.LemmyPassword, log)
	if err != nil {
		return fmt.Errorf("log in to lemmy: %w", err)
	}

	reader, err := reddit.NewReader(log)
	if err != nil {
		return fmt.Errorf("initialize reddit reader: %w", err)
	}

	sync := syncer.New(db, reader, lemmyClient, cfg.RequestCommunity, log)
	if err = sync.AddCommunity(ctx, ident); err != nil {
		return err
	}

	fmt.Printf("Community %s added.\n", ident)

	return nil
}

func setEnabled(ctx context.Context, db *database.Database, log *slog.Logger, ident string, enabled bool) error {
	community, err := mustCommunity(ctx, db, ident)
	if err != nil {
		return err
	}

	if community.Enabled == enabled {
		log.WarnContext(ctx, "Community already in requested state, not doing anything",
			"ident", community.Ident,
			"enabled", community.Enabled)

		return nil
	}

	if err = db.SetCommunityEnabled(ctx, community.ID, enabled); err != nil {
		return fmt.Errorf("update community: %w", err)
	}

	fmt.Printf("Community %s is now %s.\n", community.Ident, statusLabel(enabled))

	return nil
}

func status(ctx context.Context, db *database.Database, ident string) error {
	community, err := mustCommunity(ctx, db, ident)
	if err != nil {
		return err
	}

	stats, err := db.StatsByCommunity(ctx, community.ID)
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}

	fmt.Printf("Community %s is %s", community.Ident, statusLabel(community.Enabled))
	if stats != nil {
		fmt.Printf(", has %d subscribers and %d posts per day (interval %d minutes)",
			stats.Subscribers, stats.PostsPerDay, stats.MinInterval)
	}
	fmt.Println(".")

	return nil
}

func mustCommunity(ctx context.Context, db *database.Database, ident string) (*models.Community, error) {
	community, err := db.CommunityByIdent(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("look up community: %w", err)
	}
	if community == nil {
		return nil, fmt.Errorf("community %q not found", ident)
	}

	return community, nil
}

func nsfwLabel(nsfw bool) string {
	if nsfw {
		return "NSFW"
	}
	return ""
}

func statusLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
