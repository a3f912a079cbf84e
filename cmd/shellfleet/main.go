// Command shellfleet runs one command across a group of machines and reports
// each machine's output along with the combined exit status.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"shellfleet/fleet"
	"shellfleet/fleet/docker"
	"shellfleet/fleet/local"
)

func main() {
	app := &cli.App{
		Name:      "shellfleet",
		Usage:     "run a command on every machine of a group and combine the results",
		ArgsUsage: "program [args...]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "local",
				Usage: "Number of local machines in the group.",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "Run on Docker containers created from this image instead of local machines.",
			},
			&cli.IntFlag{
				Name:  "nodes",
				Usage: "Number of containers to create when --image is set.",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "Run the command as this user on every machine.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("no program given", 2)
			}

			logger, err := buildLogger(c.Bool("verbose"))
			if err != nil {
				return fmt.Errorf("constructing logger: %w", err)
			}
			defer logger.Sync()
			slog := logger.Sugar()

			ctx := context.Background()
			group, err := buildGroup(ctx, c, slog)
			if err != nil {
				return err
			}
			defer func() {
				if err := group.Close(ctx); err != nil {
					slog.Warnw("closing group", "error", err)
				}
			}()

			run := func(g *fleet.Group) error {
				return runOnGroup(ctx, c, g)
			}
			if c.IsSet("user") {
				return group.AsUser(c.String("user"), run)
			}
			return run(group)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildGroup(ctx context.Context, c *cli.Context, slog *zap.SugaredLogger) (*fleet.Group, error) {
	group := fleet.NewGroup().WithLogger(slog)
	if image := c.String("image"); image != "" {
		for i := 0; i < c.Int("nodes"); i++ {
			m, err := docker.New(ctx, image, docker.WithLogger(slog))
			if err != nil {
				cerr := group.Close(ctx)
				if cerr != nil {
					slog.Warnw("closing partially built group", "error", cerr)
				}
				return nil, fmt.Errorf("creating container machine %d: %w", i, err)
			}
			group.Add(m)
		}
		return group, nil
	}
	for i := 0; i < c.Int("local"); i++ {
		group.Add(local.New(
			local.WithName(fmt.Sprintf("localhost/%d", i)),
			local.WithLogger(slog),
		))
	}
	return group, nil
}

func runOnGroup(ctx context.Context, c *cli.Context, group *fleet.Group) error {
	cmd, err := group.Command(ctx, c.Args().First())
	if err != nil {
		return err
	}
	bound := cmd.Bind(c.Args().Tail()...).(*fleet.ConcurrentCommand)

	cproc, err := bound.Spawn(ctx)
	if err != nil {
		return err
	}

	stdouts, stderrs, err := cproc.CommunicateAll(ctx, nil)
	if err != nil {
		return err
	}
	code, _ := cproc.Poll()

	machines := group.Machines()
	for i := range stdouts {
		fmt.Printf("=== %s ===\n", machines[i])
		os.Stdout.Write(stdouts[i])
		os.Stderr.Write(stderrs[i])
	}
	if code != 0 {
		return cli.Exit(fmt.Sprintf("combined exit code %d", code), code)
	}
	return nil
}
