package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/concurrency"
	"github.com/treeline-dev/treeline/internal/transport"
	"github.com/treeline-dev/treeline/internal/update"
)

func main() {
	var (
		configPaths = flag.String("config", "", "comma separated config files or directories; later entries override earlier ones")
		interval    = flag.Duration("interval", time.Minute*5, "how often to check in with the metadata server")
		httpTimeout = flag.Duration("http-timeout", time.Minute*30, "timeout for requests to the device gateway")
		port        = flag.Uint("addr", 8734, "port to serve the local status API on. 0 to disable")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var paths []string
	if *configPaths != "" {
		paths = strings.Split(*configPaths, ",")
	}
	client, cfg, err := update.Bootstrap(paths, *httpTimeout)
	if err != nil {
		logrus.Fatalf("fatal error while initializing the update client: %s", err)
	}
	logrus.Infof("treeline agent starting; hardware id: %s, sysroot: %s", cfg.HardwareID, cfg.SysrootPath)

	// a pending installation left over from before the reboot is
	// finalized before any new traversal starts
	if client.IsInstallationInProgress() {
		code := update.CompleteInstall(context.Background(), client)
		logrus.Infof("finalized the pending installation, status: %d", code)
	}

	state := &concurrency.StateContainer[*agentState]{}

	go concurrency.RunLoop(make(chan struct{}), *interval, *interval, func() bool {
		done := syncUpdates(client, *interval, state)
		if !done {
			logrus.Warn("update pass failed, will retry")
		}
		return done
	})

	if *port == 0 {
		select {}
	}

	svr := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", *port),
		Handler: transport.WithLogging(newAPIHandler(client, state)),
	}
	if err := svr.ListenAndServe(); err != nil {
		logrus.Fatalf("fatal error while running the status API server: %s", err)
	}
}

// agentState is the last observed update state, published for the status
// API.
type agentState struct {
	CheckedInAt time.Time
	Status      api.StatusCode
	CurrentName string
	PendingName string
	Available   []string
}

// syncUpdates runs one check-in-and-install pass. A pass that installed
// something reporting NeedsReboot intentionally does nothing more: the
// device decides when to reboot, the agent keeps reporting the pending
// state until then.
func syncUpdates(client *update.Client, interval time.Duration, state *concurrency.StateContainer[*agentState]) bool {
	ctx, done := context.WithTimeout(context.Background(), concurrency.Jitter(interval*4))
	defer done()

	next := &agentState{CheckedInAt: time.Now()}
	defer func() {
		next.CurrentName = client.GetCurrent().Name
		next.PendingName = client.GetPendingTarget().Name
		state.Swap(next)
	}()

	if client.IsInstallationInProgress() {
		logrus.Debug("pending installation awaits a reboot, skipping the update pass")
		next.Status = api.StatusInstallNeedsReboot
		return true
	}

	cr := client.CheckIn(ctx)
	if !cr.Ok() {
		next.Status = api.StatusCheckinFailure
		return false
	}
	for _, t := range cr.Targets {
		next.Available = append(next.Available, t.Name)
	}

	latest, err := cr.GetLatest("")
	if err != nil {
		logrus.Debugf("nothing to update to: %s", err)
		next.Status = api.StatusOk
		return true
	}

	if latest.Same(client.GetCurrent()) {
		next.Status = api.StatusOk
		return true
	}

	logrus.Infof("new target available: %s (version %d)", latest.Name, latest.Version())
	code := update.Install(ctx, client, update.InstallOpts{Version: -1})
	next.Status = code
	switch code {
	case api.StatusOk, api.StatusInstallNeedsReboot, api.StatusInstallAppsNeedFinalization,
		api.StatusInstallNeedsRebootForBootFw, api.StatusInstallAlreadyInstalled:
		return true
	}
	return false
}
