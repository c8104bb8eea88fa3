package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sproutogroup/dealernotify/internal/intake"
	"github.com/sproutogroup/dealernotify/internal/notify"
	"github.com/sproutogroup/dealernotify/internal/sqs"
)

type fakeSource struct {
	mu         sync.Mutex
	batches    [][]sqs.Message
	receiveErr error
	deleted    []string
	released   []string
}

func (f *fakeSource) Receive(ctx context.Context) ([]sqs.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) Delete(_ context.Context, rh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rh)
	return nil
}

func (f *fakeSource) Release(_ context.Context, rh string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, rh)
	return nil
}

type broadcastCall struct {
	recipients []uuid.UUID
	def        intake.Definition
	opts       intake.Options
}

type fakeBroadcaster struct {
	calls  []broadcastCall
	result intake.BroadcastResult
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, recipients []uuid.UUID, def intake.Definition, opts intake.Options) intake.BroadcastResult {
	f.calls = append(f.calls, broadcastCall{recipients, def, opts})
	return f.result
}

func TestDecode(t *testing.T) {
	user := uuid.New().String()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"template event", `{"type":"lead.assigned","recipients":["` + user + `"],"template":"lead_assigned","variables":{"customer_name":"Ada"}}`, false},
		{"literal event", `{"type":"system","recipients":["` + user + `"],"title":"Yard closed","channels":["sms"]}`, false},
		{"not json", `lead assigned`, true},
		{"no recipients", `{"type":"lead.assigned","template":"lead_assigned"}`, true},
		{"bad recipient", `{"recipients":["not-a-uuid"],"template":"lead_assigned"}`, true},
		{"no content", `{"recipients":["` + user + `"]}`, true},
		{"bad channel", `{"recipients":["` + user + `"],"template":"lead_new","channels":["fax"]}`, true},
		{"bad priority", `{"recipients":["` + user + `"],"template":"lead_new","priority":"whenever"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEvent) {
					t.Fatalf("expected ErrMalformedEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHandle_BroadcastsAndDeletes(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	src := &fakeSource{}
	bc := &fakeBroadcaster{result: intake.BroadcastResult{Succeeded: []intake.Result{{NotificationID: uuid.New()}}}}
	l := NewListener(src, bc, Config{}, zap.NewNop())

	body := `{"type":"invoice.overdue","recipients":["` + a.String() + `","` + b.String() + `"],` +
		`"template":"invoice_overdue","variables":{"invoice_number":"INV-7"},` +
		`"priority":"critical","channels":["email","websocket"],"entity":{"type":"invoice","id":"7"},"force":true}`
	l.Handle(context.Background(), sqs.Message{ID: "m1", Body: []byte(body), ReceiptHandle: "rh-1"})

	if len(bc.calls) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(bc.calls))
	}
	call := bc.calls[0]
	if len(call.recipients) != 2 || call.recipients[0] != a {
		t.Fatalf("recipients = %v", call.recipients)
	}
	if call.def.Template != "invoice_overdue" || call.def.Variables["invoice_number"] != "INV-7" {
		t.Fatalf("definition = %+v", call.def)
	}
	if call.opts.Priority == nil || *call.opts.Priority != notify.PriorityCritical || !call.opts.Force {
		t.Fatalf("options = %+v", call.opts)
	}
	if len(call.opts.Channels) != 2 || call.opts.Channels[0] != notify.ChannelEmail {
		t.Fatalf("channels = %v", call.opts.Channels)
	}
	if call.opts.Entity == nil || call.opts.Entity.ID != "7" {
		t.Fatal("entity not passed through")
	}
	if len(src.deleted) != 1 || src.deleted[0] != "rh-1" {
		t.Fatalf("deleted = %v", src.deleted)
	}
}

func TestHandle_MalformedDeleted(t *testing.T) {
	src := &fakeSource{}
	bc := &fakeBroadcaster{}
	l := NewListener(src, bc, Config{}, zap.NewNop())

	l.Handle(context.Background(), sqs.Message{ID: "m1", Body: []byte(`{oops`), ReceiptHandle: "rh-1"})

	if len(bc.calls) != 0 {
		t.Fatal("malformed event must not reach intake")
	}
	if len(src.deleted) != 1 {
		t.Fatal("malformed event should be deleted")
	}
}

func TestHandle_RejectionsStillDelete(t *testing.T) {
	src := &fakeSource{}
	bc := &fakeBroadcaster{result: intake.BroadcastResult{Rejected: []intake.Rejection{
		{UserID: uuid.New(), Err: intake.ErrNotificationsDisabled},
		{UserID: uuid.New(), Err: errors.New("db down")},
	}}}
	l := NewListener(src, bc, Config{}, zap.NewNop())

	l.Handle(context.Background(), sqs.Message{Body: []byte(`{"recipients":["` + uuid.NewString() + `"],"template":"lead_new"}`), ReceiptHandle: "rh-1"})

	if len(src.deleted) != 1 || len(src.released) != 0 {
		t.Fatalf("deleted=%v released=%v", src.deleted, src.released)
	}
}

func TestHandle_MixedResultLogsDroppedRecipients(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	dropped := uuid.New()
	src := &fakeSource{}
	bc := &fakeBroadcaster{result: intake.BroadcastResult{
		Succeeded: []intake.Result{{NotificationID: uuid.New()}},
		Rejected: []intake.Rejection{
			{UserID: uuid.New(), Err: intake.ErrCategoryDisabled},
			{UserID: dropped, Err: errors.New("db down")},
		},
	}}
	l := NewListener(src, bc, Config{}, zap.New(core))

	l.Handle(context.Background(), sqs.Message{ID: "m-1", Body: []byte(`{"type":"lead.new","recipients":["` + uuid.NewString() + `"],"template":"lead_new"}`), ReceiptHandle: "rh-1"})

	if len(src.deleted) != 1 || len(src.released) != 0 {
		t.Fatalf("deleted=%v released=%v", src.deleted, src.released)
	}
	entries := logs.FilterMessage("business event recipients not notified after infrastructure failure").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error entry, got %d", logs.Len())
	}
	ids, ok := entries[0].ContextMap()["user_ids"].([]interface{})
	if !ok || len(ids) != 1 || ids[0] != dropped.String() {
		t.Fatalf("user_ids = %v, want [%s]", entries[0].ContextMap()["user_ids"], dropped)
	}
}

func TestHandle_RejectionsOnlyLogNothingDropped(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	src := &fakeSource{}
	bc := &fakeBroadcaster{result: intake.BroadcastResult{
		Succeeded: []intake.Result{{NotificationID: uuid.New()}},
		Rejected:  []intake.Rejection{{UserID: uuid.New(), Err: intake.ErrNotificationsDisabled}},
	}}
	l := NewListener(src, bc, Config{}, zap.New(core))

	l.Handle(context.Background(), sqs.Message{Body: []byte(`{"recipients":["` + uuid.NewString() + `"],"template":"lead_new"}`), ReceiptHandle: "rh-1"})

	if logs.Len() != 0 {
		t.Fatalf("rejections are not infrastructure failures, got %d error entries", logs.Len())
	}
}

func TestHandle_InfrastructureFailureReleased(t *testing.T) {
	src := &fakeSource{}
	bc := &fakeBroadcaster{result: intake.BroadcastResult{Rejected: []intake.Rejection{
		{UserID: uuid.New(), Err: errors.New("db down")},
	}}}
	l := NewListener(src, bc, Config{}, zap.NewNop())

	l.Handle(context.Background(), sqs.Message{Body: []byte(`{"recipients":["` + uuid.NewString() + `"],"template":"lead_new"}`), ReceiptHandle: "rh-1"})

	if len(src.deleted) != 0 || len(src.released) != 1 {
		t.Fatalf("deleted=%v released=%v", src.deleted, src.released)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	user := uuid.NewString()
	src := &fakeSource{batches: [][]sqs.Message{{
		{ID: "m1", Body: []byte(`{"recipients":["` + user + `"],"template":"lead_new"}`), ReceiptHandle: "rh-1"},
		{ID: "m2", Body: []byte(`garbage`), ReceiptHandle: "rh-2"},
	}}}
	bc := &fakeBroadcaster{result: intake.BroadcastResult{Succeeded: []intake.Result{{}}}}
	l := NewListener(src, bc, Config{ErrorBackoff: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		src.mu.Lock()
		n := len(src.deleted)
		src.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("messages were not handled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestRun_BacksOffOnReceiveError(t *testing.T) {
	src := &fakeSource{receiveErr: errors.New("throttled")}
	l := NewListener(src, &fakeBroadcaster{}, Config{ErrorBackoff: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l.Run(ctx)
}
