package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/circuitbreaker"
	"github.com/sproutogroup/dealernotify/internal/config"
	"github.com/sproutogroup/dealernotify/internal/notify"
	"github.com/sproutogroup/dealernotify/internal/realtime"
	"github.com/sproutogroup/dealernotify/internal/worker"
)

func testConfig() *config.Config {
	return &config.Config{
		BreakerMaxFailures: 5,
		BreakerRecovery:    time.Second,
	}
}

func TestBuildSenders_Defaults(t *testing.T) {
	hub := realtime.NewHub(zap.NewNop())
	defer hub.Close()

	senders, err := buildSenders(context.Background(), testConfig(), hub, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s, err := senders.Lookup(notify.ChannelWebsocket); err != nil {
		t.Fatalf("websocket sender missing: %v", err)
	} else if _, ok := s.(*worker.RealtimeSender); !ok {
		t.Errorf("websocket sender is %T", s)
	}
	if _, err := senders.Lookup(notify.ChannelPush); !errors.Is(err, worker.ErrNoSender) {
		t.Errorf("push without a transport should be unregistered, got %v", err)
	}
	for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelSMS} {
		s, err := senders.Lookup(ch)
		if err != nil {
			t.Fatalf("%s sender missing: %v", ch, err)
		}
		if _, ok := s.(*worker.LogSender); !ok {
			t.Errorf("%s sender is %T, want the logging stub", ch, s)
		}
	}
}

func TestBuildSenders_WebPushRegistersProtectedSender(t *testing.T) {
	cfg := testConfig()
	cfg.VAPIDPublicKey = "public"
	cfg.VAPIDPrivateKey = "private"
	cfg.VAPIDSubject = "mailto:ops@example.com"
	hub := realtime.NewHub(zap.NewNop())
	defer hub.Close()

	senders, err := buildSenders(context.Background(), cfg, hub, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := senders.Lookup(notify.ChannelPush)
	if err != nil {
		t.Fatalf("push sender missing: %v", err)
	}
	if _, ok := s.(*circuitbreaker.ProtectedSender); !ok {
		t.Errorf("push sender is %T, want a breaker-wrapped sender", s)
	}
}

// An offline user with no registered devices must end failed on the default
// channel set, whether or not a push transport is configured.
func TestBuildSenders_OfflineUserWithoutDevicesFails(t *testing.T) {
	tests := []struct {
		name    string
		webPush bool
	}{
		{"no push transport", false},
		{"web push configured", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.webPush {
				cfg.VAPIDPublicKey = "public"
				cfg.VAPIDPrivateKey = "private"
			}
			hub := realtime.NewHub(zap.NewNop())
			defer hub.Close()

			senders, err := buildSenders(context.Background(), cfg, hub, zap.NewNop())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
			w := worker.New(nil, senders, worker.Config{}, zap.NewNop(),
				worker.WithClock(func() time.Time { return now }),
			)
			item := &notify.QueueItem{
				NotificationID: uuid.New(),
				Request: notify.Request{
					UserID:   uuid.New(),
					Title:    "Appointment reminder",
					Priority: notify.PriorityMedium,
					Category: notify.CategoryCustomer,
				},
				Channels: []notify.Channel{notify.ChannelWebsocket, notify.ChannelPush},
			}
			if err := w.Enqueue(item); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			w.ProcessTick(context.Background())
			if st, _ := w.Delivery(item.NotificationID); st.Status == notify.StatusDelivered {
				t.Fatal("nothing reached the user, status must not be delivered")
			}

			for i := 0; i < 5; i++ {
				now = now.Add(20 * time.Second)
				w.ProcessTick(context.Background())
			}

			st, ok := w.Delivery(item.NotificationID)
			if !ok {
				t.Fatal("ledger row missing")
			}
			if st.Status != notify.StatusFailed || st.FailureReason != notify.FailureMaxRetries {
				t.Fatalf("got %s / %q", st.Status, st.FailureReason)
			}
			if st.PushDelivered || st.TotalAttempts != 4 {
				t.Fatalf("push_delivered=%v attempts=%d", st.PushDelivered, st.TotalAttempts)
			}
			if stats := w.Stats(); stats.QueueDepth != 0 || stats.OfflineBuffered != 0 {
				t.Fatalf("item should be gone: %+v", stats)
			}
		})
	}
}
