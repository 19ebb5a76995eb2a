package main

import (
	"fmt"
	"strings"

	bizadmin "github.com/bizadmin-io/bizadmin-go"
	"github.com/spf13/cobra"
)

var (
	messagesPage    int
	messagesPerPage int
	messagesAll     bool
	recentLimit     int
)

func init() {
	rootCmd.AddCommand(tasksCmd, messagesCmd)
	tasksCmd.AddCommand(tasksMessagesCmd, tasksSendCmd, tasksStatsCmd)
	messagesCmd.AddCommand(messagesRecentCmd)

	tasksMessagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number")
	tasksMessagesCmd.Flags().IntVarP(&messagesPerPage, "per-page", "n", bizadmin.DefaultMessagesPerPage, "Messages per page")
	tasksMessagesCmd.Flags().BoolVar(&messagesAll, "all", false, "Load every page")

	messagesRecentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 20, "Maximum number of messages")
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Task message threads",
}

func printMessages(cmd *cobra.Command, msgs []bizadmin.TaskMessage) {
	out := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return
	}
	for _, m := range msgs {
		author := m.EmployeeName
		if m.IsSystemMessage {
			author = "system"
		}
		marker := ""
		if m.Provisional {
			marker = " (sending)"
		}
		fmt.Fprintf(out, "[%s] %s%s: %s\n", m.CreatedAt, author, marker, m.MessageContent)
	}
}

var tasksMessagesCmd = &cobra.Command{
	Use:   "messages <task-id>",
	Short: "List a task's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if messagesAll {
			msgs, err := client.Tasks.MessagePager(taskID, messagesPerPage).All(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			printMessages(cmd, msgs)
			return nil
		}

		page, err := client.Tasks.Messages(ctx, taskID, bizadmin.PageRequest{Page: messagesPage, PerPage: messagesPerPage})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), page)
		}
		printMessages(cmd, page.Messages)
		fmt.Fprintf(cmd.OutOrStdout(), "%d messages in thread\n", page.TotalMessages)
		printPagination(cmd.OutOrStdout(), page.Pagination)
		return nil
	},
}

var tasksSendCmd = &cobra.Command{
	Use:   "send <task-id> <message>...",
	Short: "Post a comment to a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		msg, err := client.Tasks.SendMessage(ctx, taskID, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message %d to task %d\n", msg.ID, taskID)
		return nil
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats <task-id>",
	Short: "Show participation counters for a task's thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		stats, err := client.Tasks.MessageStats(ctx, taskID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, stats)
		}
		fmt.Fprintf(out, "Messages:     %d\n", stats.TotalMessages)
		fmt.Fprintf(out, "Employee:     %d\n", stats.EmployeeMessages)
		fmt.Fprintf(out, "System:       %d\n", stats.SystemMessages)
		fmt.Fprintf(out, "Participants: %d\n", stats.Participants)
		if stats.LastMessageAt != "" {
			fmt.Fprintf(out, "Last:         %s\n", stats.LastMessageAt)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Messages across all tasks",
}

var messagesRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the latest messages across tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		msgs, err := client.Messages.Recent(ctx, recentLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "#%-6d %-24s %s: %s\n", m.TaskID, m.TaskTitle, m.EmployeeName, m.MessageContent)
		}
		return nil
	},
}
