package command

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
)

// AgentApp creates the pzp application.
func AgentApp() *cli.App {
	return newApp("pzp", "Personal zone agent", []*cli.Command{
		agentRunCommand(),
		{
			Name:   "reset",
			Usage:  "Unenroll and replace the node identity",
			Action: agentReset,
		},
		{
			Name:      "hash",
			Usage:     "Print the fingerprint of a PEM certificate",
			ArgsUsage: "CERT_FILE",
			Action:    agentHash,
		},
	})
}

func agentRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the agent, enrolling with a hub first when asked",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "enroll-url",
				Usage:   "Hub enrollment endpoint, e.g. https://hub.example:9443",
				EnvVars: []string{"PZONE_ENROLL_URL"},
			},
			&cli.StringFlag{
				Name:    "enroll-code",
				Usage:   "Enrollment code issued by the hub",
				EnvVars: []string{"PZONE_ENROLL_CODE"},
			},
			&cli.StringFlag{
				Name:  "as",
				Usage: "Name to request from the hub (defaults to the device name)",
			},
		},
		Action: agentRun,
	}
}

func agentRun(c *cli.Context) (err error) {
	url, code := c.String("enroll-url"), c.String("enroll-code")
	if (url == "") != (code == "") {
		return fmt.Errorf("--enroll-url and --enroll-code must be given together")
	}

	n, log, err := openNode(c, config.TypeAgent)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	return serve(c.Context, n, func(ctx context.Context) error {
		logAddrs(log, n)
		if url == "" {
			if !n.Sessions().Enrolled() {
				log.Info("not enrolled, running in virgin mode")
			}
			return nil
		}
		if n.Sessions().Enrolled() {
			log.Warn("already enrolled, ignoring enrollment flags", "hub", n.Identity().Metadata().PzhID)
			return nil
		}
		if err := n.Enroll(ctx, url, code, c.String("as")); err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}
		log.Info("enrolled", "session", n.Identity().Metadata().SessionID())
		return nil
	})
}

func agentReset(c *cli.Context) (err error) {
	n, _, err := openNode(c, config.TypeAgent)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	if err := n.Reset(c.Context); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "identity reset, device %s\n", n.Identity().Metadata().DeviceName)
	return nil
}

func agentHash(c *cli.Context) (err error) {
	path := c.Args().First()
	if path == "" {
		return errs.Errorf(errs.KindInput, "hash", "certificate file required")
	}

	n, _, err := openNode(c, config.TypeAgent)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	sum, err := n.KeyHash(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, sum)
	return nil
}
