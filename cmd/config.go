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
	"encoding/json"
	"fmt"
	"log"

	"github.com/kilnhq/kiln/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

// redactConfig copies cfg with credentials masked so it is safe to print.
func redactConfig(cfg config.Configuration) config.Configuration {
	mask := func(s string) string {
		if s == "" {
			return s
		}
		return redacted
	}

	cfg.Server.SecretKey = mask(cfg.Server.SecretKey)
	cfg.DataSource.Dns = mask(cfg.DataSource.Dns)
	cfg.Redis.Dns = mask(cfg.Redis.Dns)
	cfg.Storage.AccessKeyID = mask(cfg.Storage.AccessKeyID)
	cfg.Storage.SecretAccessKey = mask(cfg.Storage.SecretAccessKey)
	cfg.TelemetryKey = mask(cfg.TelemetryKey)
	cfg.Notification.Slack.WebhookUrl = mask(cfg.Notification.Slack.WebhookUrl)

	providers := make([]config.ProviderConfig, len(cfg.Providers))
	for i, p := range cfg.Providers {
		p.APIKey = mask(p.APIKey)
		providers[i] = p
	}
	cfg.Providers = providers

	if len(cfg.Notification.Webhook.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Notification.Webhook.Headers))
		for k := range cfg.Notification.Webhook.Headers {
			headers[k] = redacted
		}
		cfg.Notification.Webhook.Headers = headers
	}
	return cfg
}

// configCommands prints the effective configuration after env overrides and defaults.
func configCommands(_ *kilnInstance) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective kiln configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			out := *cfg
			if !showSecrets {
				out = redactConfig(out)
			}

			data, err := json.MarshalIndent(out, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print credentials in clear text")
	return cmd
}
