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
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/kilnhq/kiln/model"
	"github.com/spf13/cobra"
)

// creditCommands grants and inspects credits without going through the HTTP API.
func creditCommands(k *kilnInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "manage owner credits",
	}
	cmd.AddCommand(creditGrantCommand(k))
	cmd.AddCommand(creditBalanceCommand(k))
	return cmd
}

func creditGrantCommand(k *kilnInstance) *cobra.Command {
	var ownerID, reference string
	var amount int64

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "credit an owner's account",
		Run: func(cmd *cobra.Command, args []string) {
			if reference == "" {
				reference = model.GenerateUUIDWithSuffix("grant")
			}
			account, err := k.kiln.GrantCredits(context.Background(), model.CreditGrant{
				OwnerID:   ownerID,
				Amount:    amount,
				Reference: reference,
				MetaData:  map[string]interface{}{"source": "cli"},
			})
			if err != nil {
				log.Fatalf("Error granting credits: %v", err)
			}
			printAccount(account)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner to credit")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to grant")
	cmd.Flags().StringVar(&reference, "reference", "", "idempotency reference for the grant")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func creditBalanceCommand(k *kilnInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [owner]",
		Short: "show an owner's credit balance",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			account, err := k.kiln.GetCreditBalance(context.Background(), args[0])
			if err != nil {
				log.Fatalf("Error fetching balance: %v", err)
			}
			printAccount(account)
		},
	}
}

func printAccount(account *model.CreditAccount) {
	data, err := json.MarshalIndent(map[string]interface{}{
		"owner_id":  account.OwnerID,
		"available": account.Available(),
		"held":      account.Held,
		"credited":  account.Credited,
		"debited":   account.Debited,
	}, "", "    ")
	if err != nil {
		log.Fatalf("Error printing account: %v", err)
	}
	fmt.Println(string(data))
}
