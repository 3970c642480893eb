package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	client "gointegrity/clients/go"
	"gointegrity/pkg/state"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "State operations",
		Long:  "Read the state of a resource or apply an action to the serving resource",
	}

	cmd.AddCommand(stateGetCmd())
	for _, action := range state.Actions {
		cmd.AddCommand(stateActionCmd(action))
	}

	return cmd
}

func stateGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [resource]",
		Short: "Show the state of a resource (default: the serving resource)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resource string
			if len(args) == 1 {
				resource = args[0]
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.State(ctx, resource)
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func stateActionCmd(action state.Action) *cobra.Command {
	return &cobra.Command{
		Use:   commandName(action),
		Short: fmt.Sprintf("Apply %s to the serving resource", action),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Apply(ctx, action)
				if err != nil {
					if resp != nil {
						// Refused after commit; show where the resource ended up.
						_ = printState(cmd.OutOrStdout(), resp)
					}
					return err
				}
				return printState(cmd.OutOrStdout(), resp)
			})
		},
	}
}

// commandName turns an action such as enableNotFailed into enable-not-failed.
func commandName(action state.Action) string {
	var out []rune
	for _, r := range string(action) {
		if r >= 'A' && r <= 'Z' {
			out = append(out, '-', r+('a'-'A'))
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
