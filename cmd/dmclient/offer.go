package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marketfeed/marketfeed/internal/messages"
)

var offer messages.Offer

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Make a price offer on a listing",
	Example: `  dmclient offer --seller 6f1c... --listing 9a2e... --title "Road bike" --amount 250 \
    --note "Can pick up this weekend"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if err := e.agg.SendOffer(ctx, userID, offer); err != nil {
			return err
		}
		e.printer.Success(fmt.Sprintf("Offered $%s for %q", humanize.Commaf(offer.Amount), offer.Title))
		return nil
	},
}

func init() {
	f := offerCmd.Flags()
	f.StringVar(&offer.SellerID, "seller", "", "seller user id")
	f.StringVar(&offer.ListingID, "listing", "", "listing id")
	f.StringVar(&offer.Title, "title", "", "listing title")
	f.Float64Var(&offer.Amount, "amount", 0, "offered price")
	f.StringVar(&offer.Note, "note", "", "optional note to the seller")
	_ = offerCmd.MarkFlagRequired("seller")
	_ = offerCmd.MarkFlagRequired("listing")
	_ = offerCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(offerCmd)
}
