package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"postwatch/internal/app"
	"postwatch/internal/policy"
)

func main() {
	var (
		cfgPath    string
		policyName string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.StringVar(&policyName, "policy", "", "offset policy for one-shot admission")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Links on the command line: admit one batch and exit. The running
	// daemon picks the jobs up from the shared store.
	if flag.NArg() > 0 {
		b, err := a.Admit(ctx, "cli", policy.Name(policyName), flag.Args())
		if err != nil {
			fmt.Println("fatal:", err)
			a.Stop()
			os.Exit(1)
		}
		fmt.Printf("batch %d admitted (%d jobs, first due %s)\n",
			b.ID, b.Total, b.EarliestScheduledAt.Format("2006-01-02 15:04:05"))
		a.Stop()
		return
	}

	if err := a.Start(); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	// No-ops outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Stop()
}
