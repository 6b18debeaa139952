package messages_test

import (
	"context"
	"testing"

	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

func messagesOpen(t *testing.T, agg *messages.Aggregator, opts ...messages.SessionOption) (*messages.Session, error) {
	t.Helper()
	opts = append([]messages.SessionOption{messages.WithSessionLogger(logger.NewDiscard())}, opts...)
	return messages.Open(context.Background(), agg, userU, opts...)
}
