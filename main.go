// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lua-ebpf/luaprof/internal/controller"
	"github.com/lua-ebpf/luaprof/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Println(vc.String())
		return exitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("Invalid arguments: %v", err)
	}

	// Context to drive main goroutine and the sampling loop.
	ctx, cancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer cancel()

	log.Infof("Starting %s", vc.String())

	ctlr := controller.New(cfg)
	if err = ctlr.Start(ctx); err != nil {
		return failure("Failed to start profiling: %v", err)
	}

	// Block until the duration elapsed or a signal asked to terminate.
	if err = ctlr.Wait(); err != nil {
		log.Errorf("Sampling failed: %v", err)
	}
	if err = ctlr.Shutdown(); err != nil {
		return failure("Failed to stop profiling: %v", err)
	}

	log.Info("Exiting ...")
	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
