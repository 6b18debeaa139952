package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketfeed/marketfeed/internal/messages"
)

var inquiryOrigin string

var sendCmd = &cobra.Command{
	Use:   "send <receiver-id> <content...>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendText(cmd, args[0], strings.Join(args[1:], " "))
	},
}

var inquiryCmd = &cobra.Command{
	Use:   "inquiry <seller-id> <listing-id>",
	Short: "Ask a seller about one of their listings",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendText(cmd, args[0], messages.ListingInquiry(inquiryOrigin, args[1]))
	},
}

func sendText(cmd *cobra.Command, receiverID, content string) error {
	ctx := cmd.Context()
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	userID, err := e.currentUser(ctx)
	if err != nil {
		return err
	}
	if err := e.agg.SendMessage(ctx, userID, receiverID, content); err != nil {
		return err
	}
	e.printer.Success("Message sent")
	return nil
}

func init() {
	inquiryCmd.Flags().StringVar(&inquiryOrigin, "origin", "https://marketfeed.app", "site origin used to build the listing link")
	rootCmd.AddCommand(sendCmd, inquiryCmd)
}
