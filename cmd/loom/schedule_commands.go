package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newScheduleCommand(ctx *commandContext) *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Drive automation pipelines",
	}

	scheduleCmd.AddCommand(newScheduleRunCommand(ctx))
	scheduleCmd.AddCommand(newScheduleStopCommand(ctx))
	scheduleCmd.AddCommand(newScheduleCleanupCommand(ctx))
	scheduleCmd.AddCommand(newScheduleRefundCommand(ctx))

	return scheduleCmd
}

func newScheduleRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <title-id>",
		Short: "Force-execute a pipeline for a title immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			titleID, err := parsePositiveID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ForceExecute(titleID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pipeline started (schedule %d)\n", resp.ScheduleID)
				return nil
			})
		},
	}
}

func newScheduleStopCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "stop <title-id>",
		Short: "Stop all active pipelines for a title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			titleID, err := parsePositiveID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StopTitle(titleID, reason)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.StoppedSchedules == 0 && resp.StoppedStages == 0 {
					fmt.Fprintf(out, "Title %d has no active pipelines\n", titleID)
					return nil
				}
				fmt.Fprintf(out, "Stopped %d schedule(s) and %d stage(s) for title %d\n",
					resp.StoppedSchedules, resp.StoppedStages, titleID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the title log")
	return cmd
}

func newScheduleCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Fail schedules stuck in processing past the stuck timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cleanup()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Cleaned == 0 {
					fmt.Fprintln(out, "No stuck schedules found")
					return nil
				}
				fmt.Fprintf(out, "Cleaned up %d stuck schedule(s)\n", resp.Cleaned)
				return nil
			})
		},
	}
}

func newScheduleRefundCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refund <schedule-id> <amount>",
		Short: "Refund credits for a failed schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduleID, err := parsePositiveID(args[0])
			if err != nil {
				return err
			}
			amount, err := parsePositiveID(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Refund(scheduleID, amount)
				if err != nil {
					return err
				}
				if resp.Refunded {
					fmt.Fprintf(cmd.OutOrStdout(), "Refunded %d credit(s) for schedule %d\n", resp.Amount, scheduleID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Schedule %d was not refunded\n", scheduleID)
				}
				return nil
			})
		},
	}
}

func newSchedulerCommand(ctx *commandContext) *cobra.Command {
	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Toggle or inspect the automation scheduler",
	}

	schedulerCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Enable the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerAction(ctx, cmd, "start")
		},
	})
	schedulerCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Disable the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerAction(ctx, cmd, "stop")
		},
	})
	schedulerCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerAction(ctx, cmd, "status")
		},
	})

	return schedulerCmd
}

func schedulerAction(ctx *commandContext, cmd *cobra.Command, action string) error {
	return ctx.withClient(func(client *ipc.Client) error {
		resp, err := client.Scheduler(action)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scheduler enabled: %s\n", yesNo(resp.Enabled))
		fmt.Fprintf(out, "Scheduler polling: %s\n", yesNo(resp.Running))
		return nil
	})
}
