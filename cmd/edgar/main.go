package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"opendut/internal/agent"
	"opendut/internal/agent/setup"
	"opendut/internal/config"
	"opendut/internal/telemetry"
	"opendut/internal/version"
)

const defaultConfigPath = "/etc/opendut/edgar/edgar.toml"

func main() {
	logger := telemetry.NewLogger("edgar")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "setup":
		os.Exit(runSetup(logger, os.Args[2:]))
	case "service":
		os.Exit(runService(logger, os.Args[2:]))
	case "version":
		info := version.GetInfo()
		fmt.Printf("edgar %s (%s, built %s)\n", info.Version, version.ShortCommit(), info.BuildDate)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  edgar setup <setup-string>     decode the setup bundle and install the service
  edgar service [--config PATH]  run the agent service
  edgar version                  print build information`)
}

// runSetup decodes the bundle, runs every setup step and exits non-zero
// with the failing step named on stderr.
func runSetup(logger telemetry.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: edgar setup <setup-string>")
		return 2
	}

	bundle, err := setup.DecodeSetupString(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid setup string: %v\n", err)
		return 1
	}

	runner := setup.NewRunner(bundle, logger)
	if err := runner.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Println("edgar is set up and running")
	return 0
}

func runService(logger telemetry.Logger, args []string) int {
	flags := flag.NewFlagSet("service", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "path to the agent configuration file")
	_ = flags.Parse(args)

	config.LoadEnv(logger)

	cfg, err := config.LoadEdgar(*configPath)
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		return 1
	}

	logger.WithFields(telemetry.Fields{"peer": cfg.PeerID, "carl": cfg.Carl.URL}).Infof("Starting edgar %s", version.Version)

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize agent")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("Shutting down")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("Agent terminated")
		return 1
	}
	return 0
}
