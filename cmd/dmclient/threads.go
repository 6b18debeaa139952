package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketfeed/marketfeed/internal/cli"
	"github.com/marketfeed/marketfeed/internal/messages"
)

var threadsQuery string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		view, _, err := loadView(ctx, e, cmd)
		if err != nil {
			return err
		}
		list := messages.FilterConversations(view.Conversations(), threadsQuery)
		if len(list) == 0 {
			e.printer.Info("No conversations")
			return nil
		}
		e.printer.Conversations(list)
		return nil
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <counterparty-id>",
	Short: "Show every message exchanged with one user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		view, userID, err := loadView(ctx, e, cmd)
		if err != nil {
			return err
		}
		t, ok := view.Thread(args[0])
		if !ok {
			return fmt.Errorf("no conversation with %s", args[0])
		}
		e.printer.Thread(t, userID)
		return nil
	},
}

// loadView loads the signed-in user's threads and waits for their profiles
// so names print instead of ids.
func loadView(ctx context.Context, e *env, cmd *cobra.Command) (*messages.View, string, error) {
	userID, err := e.currentUser(ctx)
	if err != nil {
		return nil, "", err
	}

	spin := cli.NewSpinner(cmd.ErrOrStderr(), "Loading conversations")
	spin.Start()
	_, err = e.agg.LoadThreads(ctx, userID)
	if err == nil {
		e.agg.WaitProfiles()
	}
	spin.Stop()
	if err != nil {
		return nil, "", err
	}
	return e.agg.Current(), userID, nil
}

func init() {
	threadsCmd.Flags().StringVarP(&threadsQuery, "query", "q", "", "only show conversations whose name contains this text")
	rootCmd.AddCommand(threadsCmd, threadCmd)
}
