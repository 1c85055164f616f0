package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/types"
)

func startService(t *testing.T, p Provider, cfg ServiceConfig) *Service {
	t.Helper()
	svc := NewService(map[Channel]Provider{ChannelInApp: p}, cfg, nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func waitForStatus(t *testing.T, svc *Service, recipient types.ID, want Status) Notification {
	t.Helper()
	var last Notification
	require.Eventually(t, func() bool {
		inbox := svc.Inbox(recipient)
		if len(inbox) == 0 {
			return false
		}
		last = inbox[0]
		return last.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestNotifyAlertDeliversToAuthor(t *testing.T) {
	provider := NewMemoryProvider()
	svc := startService(t, provider, DefaultServiceConfig())

	e := &evaluation.ExerciseEvaluation{
		ID:             types.NewID(),
		PatientID:      types.NewID(),
		ExerciseID:     types.NewID(),
		DoctorID:       types.NewID(),
		CompositeScore: 85,
		PainLevel:      8,
		Warnings:       []scoring.Warning{scoring.WarningLowStability},
		HasAlerts:      true,
	}
	require.NoError(t, svc.NotifyAlert(context.Background(), e, false))

	n := waitForStatus(t, svc, e.DoctorID, StatusSent)
	assert.Equal(t, PriorityUrgent, n.Priority)
	assert.Equal(t, e.ID, n.EvaluationID)
	assert.Equal(t, "Exercise evaluation needs review", n.Subject)
	assert.Contains(t, n.Body, "pain 8/10")
	assert.Contains(t, n.Body, "low_stability")
	assert.Len(t, provider.Sent(), 1)
}

func TestReminderSubject(t *testing.T) {
	n := alertNotification(&evaluation.ExerciseEvaluation{DoctorID: types.NewID(), CompositeScore: 40, PainLevel: 1}, true)
	assert.Equal(t, PriorityHigh, n.Priority)
	assert.True(t, n.Reminder)
	assert.Equal(t, "Reminder: Exercise evaluation needs review", n.Subject)
}

func TestRetryThenSucceed(t *testing.T) {
	provider := NewMemoryProvider()
	provider.FailNext(1)
	cfg := DefaultServiceConfig()
	cfg.RetryDelay = time.Millisecond
	svc := startService(t, provider, cfg)

	recipient := types.NewID()
	require.NoError(t, svc.Send(context.Background(), &Notification{RecipientID: recipient, Subject: "hi"}))

	n := waitForStatus(t, svc, recipient, StatusSent)
	assert.Equal(t, 1, n.RetryCount)
	stats := svc.GetStats()
	assert.EqualValues(t, 1, stats.TotalSent)
	assert.EqualValues(t, 0, stats.TotalFailed)
}

func TestRetriesExhausted(t *testing.T) {
	provider := NewMemoryProvider()
	provider.FailNext(10)
	cfg := DefaultServiceConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryAttempts = 2
	svc := startService(t, provider, cfg)

	recipient := types.NewID()
	require.NoError(t, svc.Send(context.Background(), &Notification{RecipientID: recipient}))

	n := waitForStatus(t, svc, recipient, StatusFailed)
	assert.Equal(t, 2, n.RetryCount)
	assert.Empty(t, provider.Sent())
}

func TestMissingProviderFails(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.RetryAttempts = 1
	svc := startService(t, NewMemoryProvider(), cfg)

	recipient := types.NewID()
	require.NoError(t, svc.Send(context.Background(), &Notification{RecipientID: recipient, Channel: ChannelEmail}))

	n := waitForStatus(t, svc, recipient, StatusFailed)
	assert.Contains(t, n.ErrorMessage, "email provider not configured")
}

func TestSendValidationAndRead(t *testing.T) {
	svc := startService(t, NewMemoryProvider(), DefaultServiceConfig())
	assert.Error(t, svc.Send(context.Background(), &Notification{}))

	recipient := types.NewID()
	require.NoError(t, svc.Send(context.Background(), &Notification{RecipientID: recipient}))
	n := waitForStatus(t, svc, recipient, StatusSent)

	require.NoError(t, svc.MarkAsRead(recipient, n.ID))
	assert.Equal(t, StatusRead, svc.Inbox(recipient)[0].Status)
	assert.Error(t, svc.MarkAsRead(recipient, types.NewID()))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.NotificationConfig{Workers: 5})
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, DefaultServiceConfig().BufferSize, cfg.BufferSize)
}
