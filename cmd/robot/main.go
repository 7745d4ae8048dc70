package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"postrobot/internal/app"
	"postrobot/internal/lock"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./robot.yaml", "path to config (yaml or json)")
	flag.Usage = usage
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 && args[0] != "run" {
		err := runAdmin(ctx, a.Admin(), args, os.Stdout)
		_ = a.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitCode(err))
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		if errors.Is(err, lock.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "another instance is running:", err)
		} else {
			fmt.Fprintln(os.Stderr, "fatal start:", err)
		}
		_ = a.Close()
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}

func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: %s [-config path] [command]\n\n", os.Args[0])
	fmt.Fprintln(out, "With no command (or \"run\") the robot runs until SIGINT/SIGTERM.")
	fmt.Fprintln(out, "\nAdmin commands:")
	fmt.Fprint(out, adminUsage)
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}
