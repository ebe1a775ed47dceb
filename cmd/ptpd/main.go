/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opensync/ptpd/config"
	"github.com/opensync/ptpd/daemon"
)

var (
	cfgPath        string
	iface          string
	logLevel       string
	monitoringPort int
)

func applyOverrides(cfg *config.Config) {
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if iface != "" && iface != cfg.Iface {
		warn("iface")
		cfg.Iface = iface
	}
	if logLevel != "" && logLevel != cfg.LogLevel {
		warn("loglevel")
		cfg.LogLevel = logLevel
	}
	if monitoringPort != 0 && monitoringPort != cfg.MonitoringPort {
		warn("monitoringport")
		cfg.MonitoringPort = monitoringPort
	}
}

func run(_ *cobra.Command, _ []string) error {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Read(cfgPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	applyOverrides(cfg)

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "ptpd",
		Short:        "PTP daemon synchronising local clocks to a remote time reference",
		RunE:         run,
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the config file")
	rootCmd.Flags().StringVarP(&iface, "iface", "i", "", "network interface to use, overrides config")
	rootCmd.Flags().StringVarP(&logLevel, "loglevel", "l", "", "debug, info, warning or error, overrides config")
	rootCmd.Flags().IntVarP(&monitoringPort, "monitoringport", "m", 0, "port for the monitoring http server, overrides config")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
