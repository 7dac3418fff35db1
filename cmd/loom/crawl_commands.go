package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newCrawlCommand(ctx *commandContext) *cobra.Command {
	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Manage reference crawl jobs",
	}

	crawlCmd.AddCommand(newCrawlAddCommand(ctx))
	crawlCmd.AddCommand(newCrawlRetryCommand(ctx))
	crawlCmd.AddCommand(newCrawlListCommand(ctx))

	return crawlCmd
}

func newCrawlAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <url>",
		Short: "Enqueue a URL for crawling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CrawlEnqueue(url)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Crawl job %d enqueued for %s\n", resp.Job.ID, resp.Job.URL)
				return nil
			})
		},
	}
}

func newCrawlRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a failed crawl job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePositiveID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CrawlRetry(id)
				if err != nil {
					return err
				}
				if resp.Retried {
					fmt.Fprintf(cmd.OutOrStdout(), "Crawl job %d reset for retry\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Crawl job %d is not in a retryable state\n", id)
				}
				return nil
			})
		},
	}
}

func newCrawlListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crawl jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CrawlList(ipc.CrawlListRequest{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No crawl jobs")
					return nil
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						job.URL,
						job.Status,
						strconv.Itoa(job.RetryCount),
						job.CreatedAt,
					})
				}
				table := renderTable(
					[]string{"ID", "URL", "Status", "Retries", "Created"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by crawl status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to show")
	return cmd
}
