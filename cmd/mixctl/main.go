package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/makeasinger/automix/internal/auth"
	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:  "mixctl",
		Usage: "Operate the automix service",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log debug output to stderr",
			},
		},
		Commands: []*cli.Command{
			cleanupCommand(cfg),
			planCommand(cfg),
			tokenCommand(cfg),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mixctl: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cli.Command) *logger.Logger {
	if !cmd.Bool("verbose") {
		return logger.NewNop()
	}
	l, err := logger.New("development", "debug")
	if err != nil {
		return logger.NewNop()
	}
	return l
}

func cleanupCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Remove working directories of expired sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "redis",
				Usage: "Redis address",
				Value: cfg.Redis.Addr,
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Session root directory",
				Value: cfg.Mix.SessionRoot,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger(cmd)
			rdb := redis.NewClient(&redis.Options{
				Addr:     cmd.String("redis"),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis not available: %w", err)
			}

			store := session.NewStore(rdb, cfg.Mix.SessionTTL)
			ws := session.NewWorkspace(cmd.String("root"), rdb)
			removed, err := session.Sweep(ctx, store, ws)
			log.Debug("sweep finished", "root", ws.Root(), "removed", removed)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d abandoned session(s)\n", removed)
			return nil
		},
	}
}

func tokenCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an HMAC bearer token for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Usage:    "User ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "email",
				Usage: "User email",
			},
			&cli.StringSliceFlag{
				Name:  "role",
				Usage: "Role to grant (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := auth.IssueLegacyToken(cfg.JWT.Secret, cmd.String("user"), cmd.String("email"),
				cmd.StringSlice("role"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimSpace(token))
			return nil
		},
	}
}
