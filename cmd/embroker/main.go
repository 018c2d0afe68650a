package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/server"
)

// these are provided at compile time
var (
	// GitCommit SHA hash
	GitCommit string

	// GitBranch if any
	GitBranch string

	// BuildDate build date
	BuildDate string

	// Version application version
	Version string
)

func init() {
	if Version == "" {
		Version = "UNKNOWN"
	}

	if BuildDate == "" {
		BuildDate = "UNKNOWN"
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := configuration.GetHumanLogger()

	config, err := configuration.ReadConfig()
	if err != nil {
		logger.Errorw("Invalid configuration", "error", err)
		return 2
	}

	if err = configuration.ConfigureLoggers(&config.System.Log); err != nil {
		logger.Errorw("Configure loggers", "error", err)
		return 2
	}

	logger = configuration.GetLogger()

	logger.Info("starting service...")
	logger.Infof("\n\tbuild info:\n"+
		"\t\tcommit : %s\n"+
		"\t\tbranch : %s\n"+
		"\t\tdate   : %s\n"+
		"\t\tversion: %s\n", GitCommit, GitBranch, BuildDate, Version)

	srv, err := server.New(server.Config{
		Broker: config,
		TransportStatus: func(id string, status string) {
			logger.Infow("listener state", "id", id, "status", status)
		},
	})
	if err != nil {
		logger.Errorw("server create", "error", err)
		return 1
	}

	if err = srv.Start(); err != nil {
		logger.Errorw("server start", "error", err)
		return 1
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	logger.Info("service received signal: ", sig.String())

	if err = srv.Stop(); err != nil {
		logger.Errorw("shutdown server", "error", err)
		return 1
	}

	logger.Info("service stopped")

	return 0
}
