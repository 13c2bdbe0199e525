package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/disputesync/internal/adminclient"
	"github.com/agentworkforce/disputesync/internal/canonical"
)

func casesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "cases", Short: "Inspect and override dispute cases"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cases, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			cases, err := client.ListCases(cmd.Context(), canonical.CaseStatus(strings.ToUpper(status)))
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, cases, caseTable(cases))
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "case status (e.g. IN_REVIEW)")

	get := &cobra.Command{
		Use:   "get <case-id>",
		Short: "Show one case with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			c, err := client.GetCase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, c, caseDetail(c))
		},
	}

	var decision canonical.ManualDecision
	var action string
	override := &cobra.Command{
		Use:   "override <case-id>",
		Short: "Apply a manual decision (submit, cancel, won, lost)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(action) == "" {
				return fmt.Errorf("--action is required")
			}
			decision.Action = canonical.DecisionAction(strings.ToLower(action))
			client, err := opts.client()
			if err != nil {
				return err
			}
			c, err := client.Override(cmd.Context(), args[0], decision)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, c, caseTable([]canonical.Case{c}))
		},
	}
	override.Flags().StringVarP(&action, "action", "a", "", "submit, cancel, won or lost")
	override.Flags().StringVarP(&decision.Reason, "reason", "r", "", "reason recorded on the timeline")
	override.Flags().StringVar(&decision.Actor, "actor", "", "actor recorded on the timeline (defaults to the token subject)")

	cmd.AddCommand(list, get, override)
	return cmd
}

func tasksCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect and replay outbound tasks"}

	var filter adminclient.TaskFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbound tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = canonical.TaskStatus(strings.ToLower(status))
			client, err := opts.client()
			if err != nil {
				return err
			}
			tasks, err := client.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, tasks, taskTable(tasks))
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "task status (e.g. dead, paused)")
	list.Flags().StringVar(&filter.ConnectionID, "connection", "", "target connection id")
	list.Flags().StringVar(&filter.CaseID, "case", "", "case id")
	list.Flags().IntVarP(&filter.Limit, "limit", "n", 0, "maximum rows")

	replay := &cobra.Command{
		Use:   "replay <task-id>",
		Short: "Requeue a dead task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			task, err := client.ReplayTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, task, taskTable([]canonical.OutboundTask{task}))
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func eventsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect inbound sync events"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List inbound events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			events, err := client.ListEvents(cmd.Context(), canonical.SyncEventStatus(strings.ToLower(status)), limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, events, eventTable(events))
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "event status (pending, processed, error, failed)")
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func alertsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "alerts", Short: "Inspect operator alerts"}
	var caseID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			alerts, err := client.ListAlerts(cmd.Context(), caseID, limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, alerts, alertTable(alerts))
		},
	}
	list.Flags().StringVar(&caseID, "case", "", "case id")
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func connectionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "connections", Short: "Manage provider connections"}

	var secrets []string
	reauthorize := &cobra.Command{
		Use:   "reauthorize <connection-id>",
		Short: "Store fresh credentials and resume paused tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := parseSecrets(secrets)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			resumed, err := client.Reauthorize(cmd.Context(), args[0], bundle)
			if err != nil {
				return err
			}
			out := map[string]any{"connectionId": args[0], "resumedTasks": resumed}
			return render(cmd.OutOrStdout(), opts.output, out, [][]string{
				{"CONNECTION", "RESUMED"},
				{args[0], fmt.Sprint(resumed)},
			})
		},
	}
	reauthorize.Flags().StringArrayVar(&secrets, "secret", nil, "secret as key=value (repeatable)")

	poll := &cobra.Command{
		Use:   "poll <connection-id>",
		Short: "Run a poll pass for one connection now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			res, err := client.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, res, [][]string{
				{"CONNECTION", "RECORDS", "CHANGED", "ACCEPTED"},
				{res.ConnectionID, fmt.Sprint(res.Records), fmt.Sprint(res.Changed), fmt.Sprint(res.Accepted)},
			})
		},
	}

	cmd.AddCommand(reauthorize, poll)
	return cmd
}

func sweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the maintenance sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			res, err := client.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, res, [][]string{
				{"EXPIRED", "PROGRESSED", "REQUEUED_EVENTS"},
				{fmt.Sprint(res.Expired), fmt.Sprint(res.Progressed), fmt.Sprint(res.RequeuedEvents)},
			})
		},
	}
}

func parseSecrets(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one --secret key=value is required")
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid --secret %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
