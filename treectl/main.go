package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/update"
)

func main() {
	app := &cli.App{
		Name:  "treectl",
		Usage: "Treeline update agent CLI",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file or directory, may be given multiple times; later entries override earlier ones",
				EnvVars: []string{"TREELINE_CONFIG"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout for requests to the device gateway",
				Value: time.Minute * 5,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "Check in with the metadata server and list the available targets",
				Flags:  localSourceFlags(),
				Action: checkCmd,
			},
			{
				Name:  "install",
				Usage: "Download and install a target",
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:  "version",
						Usage: "target version to install; defaults to the latest",
						Value: -1,
					},
					&cli.StringFlag{
						Name:  "target",
						Usage: "target name to install; defaults to the latest",
					},
					&cli.StringFlag{
						Name:  "install-mode",
						Usage: "one of: all, delay-app-install",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "allow downgrading to an older version",
					},
				}, localSourceFlags()...),
				Action: installCmd,
			},
			{
				Name:   "complete",
				Usage:  "Finalize a pending installation after reboot",
				Action: completeCmd,
			},
			{
				Name:   "status",
				Usage:  "Show the current, pending and known targets",
				Action: statusCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(int(api.StatusUnknownError))
	}
}

func localSourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "src-tuf-repo",
			Usage: "path to a local TUF repo to update from instead of the network",
		},
		&cli.StringFlag{
			Name:  "src-ostree-repo",
			Usage: "path to a local ostree repo backing --src-tuf-repo",
		},
		&cli.StringFlag{
			Name:  "src-apps-dir",
			Usage: "path to a local app store backing --src-tuf-repo",
		},
	}
}

func localSource(c *cli.Context) *update.LocalSource {
	if c.String("src-tuf-repo") == "" {
		return nil
	}
	return &update.LocalSource{
		TufRepo:    c.String("src-tuf-repo"),
		OstreeRepo: c.String("src-ostree-repo"),
		AppsDir:    c.String("src-apps-dir"),
	}
}

func setup(c *cli.Context) (*update.Client, error) {
	client, _, err := update.Bootstrap(c.StringSlice("config"), c.Duration("timeout"))
	if err != nil {
		return nil, fmt.Errorf("initializing the update client: %w", err)
	}
	return client, nil
}

func exit(code api.StatusCode) error {
	if code == api.StatusOk {
		return nil
	}
	return cli.Exit("", int(code))
}

func checkCmd(c *cli.Context) error {
	client, err := setup(c)
	if err != nil {
		return err
	}
	return exit(update.Check(c.Context, client, localSource(c)))
}

func installCmd(c *cli.Context) error {
	client, err := setup(c)
	if err != nil {
		return err
	}
	code := update.Install(c.Context, client, update.InstallOpts{
		Version:        c.Int("version"),
		TargetName:     c.String("target"),
		Mode:           update.ParseInstallMode(c.String("install-mode")),
		ForceDowngrade: c.Bool("force"),
		Local:          localSource(c),
	})
	return exit(code)
}

func completeCmd(c *cli.Context) error {
	client, err := setup(c)
	if err != nil {
		return err
	}
	return exit(update.CompleteInstall(c.Context, client))
}
