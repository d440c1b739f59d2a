package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/testutil"
)

func TestNATSDispatcher_PublishesBySubject(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	dispatcher := NewNATSDispatcher(js, logger)
	ctx := context.Background()
	require.NoError(t, dispatcher.Start(ctx))

	// Starting twice reuses the existing stream
	require.NoError(t, dispatcher.Start(ctx))

	directive := &model.NotificationDirective{
		DirectiveID: "NTF-1",
		AlertID:     "ALERT-1",
		Recipients:  []string{"alice"},
		Channels:    []string{"mail"},
		Message:     "[error] disk full on web-1",
		Kind:        model.NotificationKindInitial,
		Status:      model.NotificationStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, dispatcher.Dispatch(ctx, directive))

	reminder := &model.NotificationDirective{
		DirectiveID: "NTF-2",
		AlertID:     "ALERT-1",
		Recipients:  []string{"alice"},
		Channels:    []string{"mail"},
		Kind:        model.NotificationKindReminder,
		Status:      model.NotificationStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, dispatcher.Dispatch(ctx, reminder))

	messages, err := testutil.ConsumeMessages(js, SubjectAlert, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var received model.NotificationDirective
	require.NoError(t, json.Unmarshal(messages[0], &received))
	require.Equal(t, "NTF-1", received.DirectiveID)
	require.Equal(t, []string{"alice"}, received.Recipients)

	reminders, err := testutil.ConsumeMessages(js, SubjectReminder, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
}
