package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/app"
	"github.com/deemkeen/fedengine/util"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          util.Name,
		Short:        "ActivityPub federation engine",
		Version:      util.GetVersion(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	load := func() (*util.AppConfig, *log.Logger, error) {
		conf, err := util.ReadConf(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger := util.NewLogger(conf.Log)
		logger.Debug("configuration loaded", "conf", util.PrettyPrint(conf))
		return conf, logger, nil
	}

	root.AddCommand(
		serveCmd(load),
		migrateCmd(load),
		userCmd(load),
		moveCmd(load),
	)
	return root
}

type loader func() (*util.AppConfig, *log.Logger, error)

func withApp(load loader, f func(ctx context.Context, a *app.App) error) error {
	conf, logger, err := load()
	if err != nil {
		return err
	}
	a, err := app.New(conf, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return f(ctx, a)
}

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the federation endpoints and run the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app.App) error {
				err := a.Run(ctx)
				log.Info("shutting down")
				return err
			})
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			// opening the database migrates it
			return withApp(load, func(ctx context.Context, a *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			})
		},
	}
}

func userCmd(load loader) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage local accounts",
	}
	user.AddCommand(&cobra.Command{
		Use:   "create <username>",
		Short: "Create a local account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app.App) error {
				actor, err := a.Service.CreateLocalActor(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", actor.Username, a.Service.Renderer().ActorUri(actor.Id))
				return nil
			})
		},
	})
	return user
}

func moveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "move <username> <target-uri>",
		Short: "Move a local account to another actor that lists it as an alias",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app.App) error {
				src, err := a.DB.ReadLocalActorByUsername(ctx, args[0])
				if err != nil {
					return err
				}
				if src == nil {
					return fmt.Errorf("no local account %q", args[0])
				}
				dst, err := a.Moves.MoveLocal(ctx, src, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s moved to %s\n", src.Username, dst.Uri)
				return nil
			})
		},
	}
}
