package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the task queue",
	}

	queueCmd.AddCommand(newQueueEnqueueCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueSummaryCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))

	return queueCmd
}

func newQueueEnqueueCommand(ctx *commandContext) *cobra.Command {
	var userID, projectID, metadata string
	var priority int

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Submit a task of the given type (script, image, video)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueEnqueue(ipc.QueueEnqueueRequest{
					Type:      strings.TrimSpace(args[0]),
					UserID:    userID,
					ProjectID: projectID,
					Priority:  priority,
					Metadata:  metadata,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Task %d enqueued (position %d)\n", resp.Task.ID, resp.Position)
				if resp.EstimatedWaitTime > 0 {
					fmt.Fprintf(out, "Estimated wait: %ds\n", resp.EstimatedWaitTime)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User identifier to attach to the task")
	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier to attach to the task")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Task metadata as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "Task priority (higher runs first)")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string
	var taskType string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueList(ipc.QueueListRequest{
					Type:     taskType,
					Statuses: listStatuses,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if len(resp.Tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				table := renderTable(
					[]string{"ID", "Type", "Status", "User", "Project", "Created"},
					buildTaskRows(resp.Tasks),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Filter by task status (repeatable)")
	cmd.Flags().StringVar(&taskType, "type", "", "Filter by task type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks to show")
	return cmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task with its queue position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePositiveID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueDescribe(id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				task := resp.Task
				fmt.Fprintf(out, "Task %d (%s): %s\n", task.ID, task.Type, task.Status)
				if task.Status == "waiting" {
					fmt.Fprintf(out, "Position in queue: %d\n", resp.Position)
				}
				if task.CancelRequested {
					fmt.Fprintln(out, "Cancellation requested")
				}
				if task.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", task.Error)
				}
				return nil
			})
		},
	}
}

func newQueueSummaryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show task counts grouped by type and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueSummary()
				if err != nil {
					return err
				}
				rows := buildSummaryRows(resp)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				table := renderTable(
					[]string{"Type", "Status", "Count"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a waiting task or request cancellation of a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePositiveID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueCancel(id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case resp.Cancelled:
					fmt.Fprintf(out, "Task %d cancelled\n", id)
				case resp.Requested:
					fmt.Fprintf(out, "Task %d is running; cancellation requested\n", id)
				default:
					fmt.Fprintf(out, "Task %d was not cancelled\n", id)
				}
				return nil
			})
		},
	}
}

func buildTaskRows(tasks []ipc.Task) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, []string{
			strconv.FormatInt(task.ID, 10),
			task.Type,
			task.Status,
			task.UserID,
			task.ProjectID,
			task.CreatedAt,
		})
	}
	return rows
}

func buildSummaryRows(resp *ipc.QueueSummaryResponse) [][]string {
	if resp == nil {
		return nil
	}
	types := make([]string, 0, len(resp.ByType))
	for taskType := range resp.ByType {
		types = append(types, taskType)
	}
	sort.Strings(types)

	rows := make([][]string, 0)
	for _, taskType := range types {
		statuses := make([]string, 0, len(resp.ByType[taskType]))
		for status := range resp.ByType[taskType] {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			count := resp.ByType[taskType][status]
			if count == 0 {
				continue
			}
			rows = append(rows, []string{taskType, status, strconv.Itoa(count)})
		}
	}
	return rows
}

func parsePositiveID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}
