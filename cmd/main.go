/*
Copyright 2024 Kiln Authors.

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
	"fmt"
	"log"
	"os"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/database"
	"github.com/kilnhq/kiln/gateway"
	"github.com/kilnhq/kiln/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Kiln is the CLI application, wrapping the root Cobra command.
type Kiln struct {
	cmd *cobra.Command
}

// kilnInstance holds the orchestrator and its configuration for the running command.
type kilnInstance struct {
	kiln *kiln.Kiln
	cnf  *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the orchestrator before any command runs.
func preRun(app *kilnInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newKiln, err := setupKiln(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.kiln = newKiln
		app.cnf = cnf

		return nil
	}
}

// setupKiln connects the data source and the configured providers.
func setupKiln(cfg *config.Configuration) (*kiln.Kiln, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	registry, err := gateway.NewRegistryFromConfig(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("error loading providers: %v", err)
	}

	newKiln, err := kiln.NewKiln(db, registry)
	if err != nil {
		return nil, fmt.Errorf("error creating kiln: %v", err)
	}
	return newKiln, nil
}

// NewCLI creates the root command and its subcommands.
func NewCLI() *Kiln {
	var configFile string
	k := &kilnInstance{}

	var rootCmd = &cobra.Command{
		Use:   "kiln",
		Short: "Generation job orchestrator",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./kiln.json", "Configuration file for kiln")
	rootCmd.PersistentPreRunE = preRun(k, &configFile)

	rootCmd.AddCommand(serverCommands(k))
	rootCmd.AddCommand(workerCommands(k))
	rootCmd.AddCommand(migrateCommands(k))
	rootCmd.AddCommand(configCommands(k))
	rootCmd.AddCommand(creditCommands(k))

	return &Kiln{cmd: rootCmd}
}

func (w Kiln) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
