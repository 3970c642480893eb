package main

import (
	"context"

	"github.com/spf13/cobra"

	client "gointegrity/clients/go"
)

func selfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the serving resource's self test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.SelfTest(ctx)
				if err != nil {
					return err
				}
				return printSelfTest(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func designationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "designation",
		Short: "Audit designation records",
	}

	var domain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the designation records of a domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				recs, err := c.ListDesignation(ctx, domain)
				if err != nil {
					return err
				}
				return printDesignations(cmd.OutOrStdout(), recs)
			})
		},
	}
	list.Flags().StringVar(&domain, "domain", "", "Domain (default: the server's)")
	cmd.AddCommand(list)

	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Forward-progress records",
	}

	var domain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the forward-progress records of a domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				recs, err := c.ListProgress(ctx, domain)
				if err != nil {
					return err
				}
				return printProgress(cmd.OutOrStdout(), recs)
			})
		},
	}
	list.Flags().StringVar(&domain, "domain", "", "Domain (default: the server's)")
	cmd.AddCommand(list)

	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replica audits",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "report",
		Short: "Show the last replica audit run by the serving resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				designated, report, err := c.AuditReport(ctx)
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), designated, report)
			})
		},
	})

	return cmd
}
