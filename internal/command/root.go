// Package command defines the pzp and pzh command-line applications.
//
// Both applications share the node wiring in this file: configuration is
// loaded from an optional YAML file and PZONE_ environment variables, then
// overridden by global flags, and every command opens the node it acts on.
package command

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/node"
	"github.com/avaropoint/pzone/internal/version"
)

// globalFlags returns the flags shared by both applications.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML configuration file",
			EnvVars: []string{"PZONE_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "root",
			Aliases: []string{"r"},
			Usage:   "Directory holding the node identity (overrides node.root)",
		},
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			Usage:   "Device name (overrides node.name)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: text, json",
		},
	}
}

func newApp(name, usage string, commands []*cli.Command) *cli.App {
	return &cli.App{
		Name:     name,
		Usage:    usage,
		Version:  version.String(),
		Flags:    globalFlags(),
		Commands: commands,
	}
}

// loadConfig reads the configuration for a node of nodeType and applies the
// global flag overrides.
func loadConfig(c *cli.Context, nodeType string) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	cfg.Node.Type = nodeType
	if c.IsSet("root") {
		cfg.Node.Root = c.String("root")
	}
	if c.IsSet("name") {
		cfg.Node.Name = c.String("name")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	return cfg, nil
}

// openNode loads the configuration and opens the node. The caller closes it.
func openNode(c *cli.Context, nodeType string) (*node.Node, *slog.Logger, error) {
	cfg, err := loadConfig(c, nodeType)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(c.App.ErrWriter, cfg.Log.Level, cfg.Log.Format)
	n, err := node.Open(c.Context, cfg, node.Options{
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		return nil, nil, err
	}
	return n, log, nil
}

// serve runs n until SIGINT or SIGTERM. Once the listeners are bound,
// started runs alongside the node; an error from it stops the node.
func serve(ctx context.Context, n *node.Node, started func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })
	if started != nil {
		g.Go(func() error {
			select {
			case <-n.Ready():
			case <-ctx.Done():
				return nil
			}
			return started(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logAddrs reports the bound listeners.
func logAddrs(log *slog.Logger, n *node.Node) {
	addrs := n.Addrs()
	attrs := []any{"peer", addrs.Peer.String()}
	if addrs.Enroll != nil {
		attrs = append(attrs, "enroll", addrs.Enroll.String())
	}
	log.Info("listening", attrs...)
}
