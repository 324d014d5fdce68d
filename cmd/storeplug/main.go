package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nextpkg/storeplug"
	"github.com/nextpkg/storeplug/internal/tasks"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/plugins/builtins"
	"github.com/nextpkg/storeplug/slogs"
)

func main() {
	app := &cli.Command{
		Name:      "storeplug",
		Usage:     "Run a task list with the built-in store plugins installed",
		ArgsUsage: "[task title...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path (.yaml, .yml or .json)",
			},
			&cli.StringFlag{
				Name:    "environment",
				Aliases: []string{"e"},
				Usage:   "development, production or test",
			},
			&cli.IntFlag{
				Name:  "plugins.logger.maxLogs",
				Usage: "Maximum number of retained log entries",
			},
			&cli.StringFlag{
				Name:  "plugins.persistence.backend",
				Usage: "memory, file or sqlite",
			},
			&cli.StringFlag{
				Name:  "plugins.persistence.path",
				Usage: "Directory (file) or database path (sqlite)",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep running and apply config file changes until interrupted",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}

	// Example usage:
	//   go run ./cmd/storeplug -e development "write docs" "ship it"
	//   STOREPLUG_PLUGINS__LOGGER__MAXLOGS=5 go run ./cmd/storeplug --config storeplug.yaml --watch
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slogs.SetLevel(slog.LevelDebug)
	}

	list := tasks.New()

	b := storeplug.NewBuilder()
	if path := cmd.String("config"); path != "" {
		b.AddFile(path)
	}
	b.AddEnv("STOREPLUG_").
		AddCliFlags(cmd, ".").
		WithStore(list.Store())
	if cmd.Bool("watch") {
		b.WithWatch()
	}

	in, err := b.Build()
	if err != nil {
		return fmt.Errorf("failed to install plugins: %w", err)
	}
	defer in.Close()

	fmt.Printf("Environment: %s\n", in.Manager.Environment())
	fmt.Printf("Plugins:     %v\n\n", in.Manager.ListPlugins())

	if err = seed(ctx, list, cmd.Args().Slice()); err != nil {
		return err
	}

	for _, t := range list.Visible() {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Printf("[%s] %s\n", mark, t.Title)
	}
	fmt.Println()

	if err = printStatus(in.Manager); err != nil {
		return err
	}

	if cmd.Bool("watch") {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Println("Watching configuration, press Ctrl+C to exit")
		<-ctx.Done()
	}
	return nil
}

// seed adds titles, or loads a small default list when none are given.
// The first task is completed to produce a few more patches.
func seed(ctx context.Context, list *tasks.List, titles []string) error {
	if len(list.Tasks()) > 0 {
		fmt.Printf("Restored %d task(s)\n", len(list.Tasks()))
	}

	if len(titles) == 0 && len(list.Tasks()) == 0 {
		res := <-list.LoadTasks(ctx, func(context.Context) ([]string, error) {
			time.Sleep(20 * time.Millisecond)
			return []string{"read the config", "install plugins", "dispatch actions"}, nil
		})
		if res.Err != nil {
			return res.Err
		}
	}

	for _, title := range titles {
		if _, err := list.AddTask(ctx, title); err != nil {
			return err
		}
	}

	all := list.Tasks()
	if len(all) > 0 && !all[0].Completed {
		if err := list.ToggleTask(ctx, all[0].ID); err != nil {
			return err
		}
	}
	return nil
}

func printStatus(pm *plugins.PluginManager) error {
	if logger, ok := storeplug.Lookup[*builtins.LoggerPlugin](pm, builtins.LoggerPluginName); ok {
		fmt.Println("Recent actions:")
		for _, entry := range logger.GetLogs(builtins.LogTypeAction, 10) {
			fmt.Printf("  %s %v %v\n", entry.Timestamp.Format(time.TimeOnly), entry.Data["name"], entry.Data["status"])
		}
		fmt.Println()
	}

	var status []any
	if perf, ok := storeplug.Lookup[*builtins.PerformancePlugin](pm, builtins.PerformancePluginName); ok {
		status = append(status, perf.GenerateReport().Summary)
	}
	if p, ok := storeplug.Lookup[*builtins.PersistencePlugin](pm, builtins.PersistencePluginName); ok {
		p.Flush()
		status = append(status, p.Status())
	}
	if v, ok := storeplug.Lookup[*builtins.ValidationPlugin](pm, builtins.ValidationPluginName); ok {
		status = append(status, v.Status())
	}
	if len(status) == 0 {
		return errors.New("no plugin reported a status")
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
