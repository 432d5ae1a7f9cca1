package command

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/enroll"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/store"
)

// HubApp creates the pzh application.
//
// token, revoke and devices act on the hub's persisted state and are meant
// to be run while the hub process is stopped; a running hub picks the
// changes up on its next start.
func HubApp() *cli.App {
	return newApp("pzh", "Personal zone hub", []*cli.Command{
		{
			Name:   "run",
			Usage:  "Serve agent links, enrollment and metrics",
			Action: hubRun,
		},
		{
			Name:  "token",
			Usage: "Create an enrollment code",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "label",
					Aliases: []string{"l"},
					Usage:   "Free-form note stored with the code",
				},
				&cli.IntFlag{
					Name:  "uses",
					Usage: "Number of enrollments the code allows",
					Value: enroll.DefaultCodeUses,
				},
				&cli.DurationFlag{
					Name:  "ttl",
					Usage: "How long the code stays valid",
					Value: enroll.DefaultCodeExpiry,
				},
			},
			Action: hubToken,
		},
		{
			Name:      "revoke",
			Usage:     "Revoke an enrolled device",
			ArgsUsage: "DEVICE_ID",
			Action:    hubRevoke,
		},
		{
			Name:   "devices",
			Usage:  "List enrolled devices",
			Action: hubDevices,
		},
	})
}

func hubRun(c *cli.Context) (err error) {
	n, log, err := openNode(c, config.TypeHub)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	return serve(c.Context, n, func(context.Context) error {
		logAddrs(log, n)
		return nil
	})
}

func hubToken(c *cli.Context) (err error) {
	if c.Int("uses") < 1 {
		return errs.Errorf(errs.KindInput, "token", "--uses must be at least 1")
	}
	if c.Duration("ttl") <= 0 {
		return errs.Errorf(errs.KindInput, "token", "--ttl must be positive")
	}

	n, _, err := openNode(c, config.TypeHub)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	code, tok, err := n.CreateCode(c.Context, c.String("label"), c.Int("uses"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n\nuses: %d\nexpires: %s\n", code, tok.MaxUses, tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

func hubRevoke(c *cli.Context) (err error) {
	id := c.Args().First()
	if id == "" {
		return errs.Errorf(errs.KindInput, "revoke", "device id required")
	}

	n, _, err := openNode(c, config.TypeHub)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	if err := n.RevokeDevice(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "revoked %s\n", id)
	return nil
}

func hubDevices(c *cli.Context) (err error) {
	n, _, err := openNode(c, config.TypeHub)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(n))

	devices, err := n.Devices(c.Context)
	if err != nil {
		return err
	}
	return renderDevices(c, devices)
}

func renderDevices(c *cli.Context, devices []*store.Device) error {
	tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERIAL\tENROLLED\tLAST SEEN\tSTATUS")
	for _, d := range devices {
		status := "active"
		if d.Revoked() {
			status = "revoked"
		}
		lastSeen := "-"
		if !d.LastSeen.IsZero() {
			lastSeen = humanize.Time(d.LastSeen)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.CertSerial, d.EnrolledAt.Format(time.RFC3339), lastSeen, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "\nTotal: %d devices\n", len(devices))
	return nil
}
