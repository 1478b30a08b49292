package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/treeline-dev/treeline/internal/target"
)

func statusCmd(c *cli.Context) error {
	client, err := setup(c)
	if err != nil {
		return err
	}

	view := statusView{
		Current: client.GetCurrent(),
		Pending: client.GetPendingTarget(),
	}
	cr := client.CheckIn(c.Context)
	if cr.Ok() {
		view.Available = cr.Targets
	} else {
		fmt.Fprintln(os.Stderr, "warning: check-in failed, showing local state only")
	}

	printStatus(view, os.Stdout)
	return nil
}

type statusView struct {
	Current   target.Target
	Pending   target.Target
	Available []target.Target
}

func printStatus(view statusView, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "NAME\tVERSION\tHASH\tSTATE\n")
	printTargetRow(tr, view.Current, "booted")
	if !view.Pending.IsUnknown() {
		printTargetRow(tr, view.Pending, "pending")
	}
	for _, t := range view.Available {
		if t.Same(view.Current) || t.Same(view.Pending) {
			continue
		}
		printTargetRow(tr, t, "available")
	}
	tr.Flush()
}

func printTargetRow(w io.Writer, t target.Target, state string) {
	hash := t.Sha256
	if len(hash) > 7 {
		hash = hash[:7]
	}
	version := ""
	if v := t.Version(); v >= 0 {
		version = fmt.Sprintf("%d", v)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, version, hash, state)
}
