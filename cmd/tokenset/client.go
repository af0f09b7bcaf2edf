package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gregtusar/tokenset/pkg/auth"
	"github.com/gregtusar/tokenset/pkg/client"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/spf13/cobra"
)

var (
	apiURL   string
	apiToken string
)

func newClient() *client.Client {
	token := apiToken
	if token == "" {
		token = os.Getenv("TOKENSET_TOKEN")
	}
	return client.New(apiURL, auth.NewBearerAuthenticator(token))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func clientCommands() []*cobra.Command {
	cmds := []*cobra.Command{wrapCmd(), unwrapCmd(), burnCmd(), provisionCmd(), instancesCmd(), watchCmd()}
	for _, c := range cmds {
		c.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "API base URL")
		c.Flags().StringVar(&apiToken, "token", "", "bearer token (default $TOKENSET_TOKEN)")
	}
	return cmds
}

func wrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wrap <basket> [amount]",
		Short: "Wrap components into shares; without amount the maximum is wrapped",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount *models.Amount
			if len(args) == 2 {
				a, err := models.ParseAmount(args[1])
				if err != nil {
					return err
				}
				amount = &a
			}
			minted, err := newClient().Wrap(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, models.WrapResponse{Basket: args[0], Minted: minted})
		},
	}
}

func unwrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unwrap <basket> <amount>",
		Short: "Burn shares and release their components",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := models.ParseAmount(args[1])
			if err != nil {
				return err
			}
			balances, err := newClient().Unwrap(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, balances)
		},
	}
}

func burnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "burn <basket> <amount>",
		Short: "Burn shares through the token burn path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := models.ParseAmount(args[1])
			if err != nil {
				return err
			}
			balances, err := newClient().Burn(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, balances)
		},
	}
}

func provisionCmd() *cobra.Command {
	var (
		file    string
		caller  string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "provision <prefix>",
		Short: "Request a new basket instance described by a JSON config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var basket models.BasketConfig
			if err := json.Unmarshal(raw, &basket); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			c := newClient()
			id, err := c.Provision(cmd.Context(), models.ProvisioningRequest{Prefix: args[0], Basket: basket})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !wait {
				return nil
			}
			if caller == "" {
				return fmt.Errorf("--caller is required with --wait")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			status, err := c.WaitForInstance(ctx, caller, id, 500*time.Millisecond)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "basket.json", "basket config JSON")
	cmd.Flags().StringVar(&caller, "caller", "", "account the token was issued for")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the instance is confirmed or compensated")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait")
	return cmd
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List provisioned instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := newClient().Instances(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream provisioning events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Watch(cmd.Context(), func(e models.ProvisioningEvent) error {
				return printJSON(cmd, e)
			})
		},
	}
}
