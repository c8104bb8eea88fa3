package worker

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

func testItem(devices ...notify.Device) *notify.QueueItem {
	return &notify.QueueItem{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		Request: notify.Request{
			UserID:    uuid.New(),
			Title:     "Appointment scheduled",
			Body:      "Test drive booked for 14:00",
			Priority:  notify.PriorityHigh,
			Category:  notify.CategoryCustomer,
			ActionURL: "/appointments/42",
		},
		Devices: devices,
		Contact: notify.Contact{Email: "sales@dealer.example", Phone: "+15555550100"},
	}
}

func TestSenderTable(t *testing.T) {
	logger := zap.NewNop()
	table := NewSenderTable(
		NewLogSender(notify.ChannelEmail, logger),
		NewLogSender(notify.ChannelSMS, logger),
		nil,
	)

	tests := []struct {
		channel notify.Channel
		wantErr bool
	}{
		{notify.ChannelEmail, false},
		{notify.ChannelSMS, false},
		{notify.ChannelPush, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			s, err := table.Lookup(tt.channel)
			if tt.wantErr {
				if !errors.Is(err, ErrNoSender) {
					t.Fatalf("expected ErrNoSender, got %v", err)
				}
				return
			}
			if err != nil || s.Channel() != tt.channel {
				t.Fatalf("Lookup(%s) = %v, %v", tt.channel, s, err)
			}
		})
	}
}

func TestSenderTable_LaterReplacesEarlier(t *testing.T) {
	stub := NewLogSender(notify.ChannelEmail, zap.NewNop())
	provider := &fakeSender{channel: notify.ChannelEmail}
	table := NewSenderTable(stub, provider)

	s, _ := table.Lookup(notify.ChannelEmail)
	if s != provider {
		t.Fatal("later sender should win")
	}
}

func TestLogSender_AlwaysSucceeds(t *testing.T) {
	sender := NewLogSender(notify.ChannelSMS, zap.NewNop())
	if err := sender.Send(context.Background(), testItem()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

// --- Realtime ---

type fakePresence struct {
	connected map[uuid.UUID]int
	published []any
	err       error
}

func (p *fakePresence) IsConnected(userID uuid.UUID) bool { return p.connected[userID] > 0 }

func (p *fakePresence) Publish(userID uuid.UUID, event string, data any) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.published = append(p.published, data)
	return p.connected[userID], nil
}

func TestRealtimeSender(t *testing.T) {
	item := testItem()
	presence := &fakePresence{connected: map[uuid.UUID]int{}}
	sender := NewRealtimeSender(presence, zap.NewNop())

	if err := sender.Send(context.Background(), item); !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("expected ErrRecipientOffline, got %v", err)
	}

	presence.connected[item.Request.UserID] = 2
	if err := sender.Send(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, ok := presence.published[0].(RealtimePayload)
	if !ok || payload.NotificationID != item.NotificationID || payload.Title != item.Request.Title {
		t.Fatalf("unexpected payload: %#v", presence.published[0])
	}

	presence.err = errors.New("hub closed")
	if err := sender.Send(context.Background(), item); err == nil || errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("publish error should be surfaced, got %v", err)
	}
}

// --- Push ---

type fakeTransport struct {
	mu   sync.Mutex
	err  error
	sent []notify.Device
}

func (f *fakeTransport) Push(ctx context.Context, device notify.Device, msg PushMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, device)
	return f.err
}

func TestPushSender(t *testing.T) {
	web := notify.Device{ID: uuid.New(), Platform: notify.PlatformWeb}
	ios := notify.Device{ID: uuid.New(), Platform: notify.PlatformIOS}
	android := notify.Device{ID: uuid.New(), Platform: notify.PlatformAndroid}

	tests := []struct {
		name    string
		devices []notify.Device
		webErr  error
		mobErr  error
		wantErr bool
	}{
		{name: "no devices", wantErr: true},
		{name: "all accepted", devices: []notify.Device{web, ios}},
		{name: "one of two accepted", devices: []notify.Device{web, android}, webErr: ErrSubscriptionGone},
		{name: "all rejected", devices: []notify.Device{web, ios}, webErr: errors.New("410"), mobErr: errors.New("endpoint disabled"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			webT := &fakeTransport{err: tt.webErr}
			mobT := &fakeTransport{err: tt.mobErr}
			sender := NewPushSender(map[notify.Platform]PushTransport{
				notify.PlatformWeb:     webT,
				notify.PlatformIOS:     mobT,
				notify.PlatformAndroid: mobT,
			}, PushConfig{}, zap.NewNop())

			err := sender.Send(context.Background(), testItem(tt.devices...))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(webT.sent)+len(mobT.sent) != len(tt.devices) {
				t.Fatalf("every device should be tried, tried %d", len(webT.sent)+len(mobT.sent))
			}
		})
	}
}

func TestPushSender_NoDevices(t *testing.T) {
	sender := NewPushSender(nil, PushConfig{}, zap.NewNop())
	if err := sender.Send(context.Background(), testItem()); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("expected ErrNoDevices, got %v", err)
	}
}

func TestPushSender_JoinsDeviceErrors(t *testing.T) {
	sender := NewPushSender(map[notify.Platform]PushTransport{
		notify.PlatformWeb: &fakeTransport{err: ErrSubscriptionGone},
	}, PushConfig{}, zap.NewNop())

	item := testItem(
		notify.Device{ID: uuid.New(), Platform: notify.PlatformWeb},
		notify.Device{ID: uuid.New(), Platform: notify.PlatformIOS},
	)
	err := sender.Send(context.Background(), item)
	if !errors.Is(err, ErrSubscriptionGone) {
		t.Fatalf("joined error should wrap the device error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no transport") {
		t.Fatalf("joined error should mention the unsupported platform, got %v", err)
	}
}

func TestPushSender_RateLimitHonoursContext(t *testing.T) {
	sender := NewPushSender(map[notify.Platform]PushTransport{
		notify.PlatformWeb: &fakeTransport{},
	}, PushConfig{RatePerSecond: 0.001, Burst: 1}, zap.NewNop())

	item := testItem(
		notify.Device{ID: uuid.New(), Platform: notify.PlatformWeb},
		notify.Device{ID: uuid.New(), Platform: notify.PlatformWeb},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The first device uses the burst token; the limiter gives up on the
	// second because the next token is past the deadline.
	if err := sender.Send(ctx, item); err != nil {
		t.Fatalf("first device was accepted, got %v", err)
	}
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSMobileTransport(t *testing.T) {
	client := &fakeSNS{}
	transport := NewSNSMobileTransport(client)
	item := testItem()
	device := notify.Device{ID: uuid.New(), Platform: notify.PlatformIOS, EndpointARN: "arn:aws:sns:us-east-1:123:endpoint/APNS/app/abc"}

	if err := transport.Push(context.Background(), device, newPushMessage(item)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := client.inputs[0]
	if aws.ToString(in.TargetArn) != device.EndpointARN || aws.ToString(in.MessageStructure) != "json" {
		t.Fatalf("unexpected input: %+v", in)
	}
	var doc map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &doc); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if doc["default"] != item.Request.Title || !strings.Contains(doc["APNS"], `"aps"`) {
		t.Fatalf("unexpected message document: %v", doc)
	}

	if err := transport.Push(context.Background(), notify.Device{Platform: notify.PlatformAndroid}, newPushMessage(item)); err == nil {
		t.Fatal("expected error for device without endpoint ARN")
	}
}

func TestMobileMessage_Android(t *testing.T) {
	msg, err := mobileMessage(notify.PlatformAndroid, PushMessage{Title: "Vehicle sold", NotificationID: "n1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "GCM") {
		t.Fatalf("android push should carry a GCM document: %s", msg)
	}
	if _, err := mobileMessage(notify.PlatformWeb, PushMessage{}); err == nil {
		t.Fatal("web is not a mobile platform")
	}
}

func newSubscriptionKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}

func TestWebPushTransport(t *testing.T) {
	var gotUrgency, gotAuth string
	status := http.StatusCreated
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUrgency = r.Header.Get("Urgency")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	transport := NewWebPushTransport(WebPushConfig{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "ops@dealer.example",
		HTTPClient:      srv.Client(),
	})

	p256dh, auth := newSubscriptionKeys(t)
	device := notify.Device{ID: uuid.New(), Platform: notify.PlatformWeb, Endpoint: srv.URL + "/push/abc", P256dh: p256dh, Auth: auth}
	msg := PushMessage{Title: "Invoice overdue", Priority: notify.PriorityUrgent}

	if err := transport.Push(context.Background(), device, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUrgency != string(webpush.UrgencyHigh) {
		t.Errorf("urgency = %q, want high", gotUrgency)
	}
	if !strings.HasPrefix(gotAuth, "vapid ") {
		t.Errorf("authorization = %q, want vapid", gotAuth)
	}

	status = http.StatusGone
	if err := transport.Push(context.Background(), device, msg); !errors.Is(err, ErrSubscriptionGone) {
		t.Fatalf("expected ErrSubscriptionGone, got %v", err)
	}

	if err := transport.Push(context.Background(), notify.Device{Platform: notify.PlatformWeb}, msg); err == nil {
		t.Fatal("expected error for incomplete subscription")
	}
}

// --- Email / SMS ---

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSenderWithClient(client, "noreply@dealer.example", zap.NewNop())
	item := testItem()

	if sender.Channel() != notify.ChannelEmail {
		t.Fatalf("channel = %s", sender.Channel())
	}
	if err := sender.Send(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.input.Destination.ToAddresses[0] != item.Contact.Email {
		t.Fatalf("sent to %v", client.input.Destination.ToAddresses)
	}
	if aws.ToString(client.input.Message.Subject.Data) != item.Request.Title {
		t.Fatalf("subject = %q", aws.ToString(client.input.Message.Subject.Data))
	}
	if !strings.Contains(aws.ToString(client.input.Message.Body.Text.Data), item.Request.ActionURL) {
		t.Fatal("body should include the action url")
	}

	item.Contact.Email = ""
	if err := sender.Send(context.Background(), item); !errors.Is(err, ErrNoContact) {
		t.Fatalf("expected ErrNoContact, got %v", err)
	}

	client.err = errors.New("throttled")
	item.Contact.Email = "a@b.example"
	if err := sender.Send(context.Background(), item); err == nil {
		t.Fatal("expected ses error")
	}
}

func TestSNSSender(t *testing.T) {
	client := &fakeSNS{}
	sender := NewSNSSender(client, zap.NewNop())
	item := testItem()

	if err := sender.Send(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := client.inputs[0]
	if aws.ToString(in.PhoneNumber) != item.Contact.Phone {
		t.Fatalf("phone = %q", aws.ToString(in.PhoneNumber))
	}
	if aws.ToString(in.Message) != "Appointment scheduled: Test drive booked for 14:00" {
		t.Fatalf("message = %q", aws.ToString(in.Message))
	}

	item.Request.Body = strings.Repeat("x", 1000)
	if err := sender.Send(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(aws.ToString(client.inputs[1].Message))); n != smsLimit {
		t.Fatalf("long message should be truncated to %d runes, got %d", smsLimit, n)
	}

	item.Contact.Phone = ""
	if err := sender.Send(context.Background(), item); !errors.Is(err, ErrNoContact) {
		t.Fatalf("expected ErrNoContact, got %v", err)
	}
}

func TestResendSender(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/emails") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_123"}`))
	}))
	defer srv.Close()

	client := resend.NewClient("re_test")
	base, _ := url.Parse(srv.URL + "/")
	client.BaseURL = base

	sender := NewResendSender(client, "Dealer <noreply@dealer.example>", zap.NewNop())
	item := testItem()
	item.Request.Title = "Invoice <paid>"

	if err := sender.Send(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["subject"] != "Invoice <paid>" {
		t.Fatalf("subject = %v", body["subject"])
	}
	if html, _ := body["html"].(string); !strings.Contains(html, "Invoice &lt;paid&gt;") {
		t.Fatalf("html should be escaped: %v", body["html"])
	}
}

func TestEmailHTML(t *testing.T) {
	out := emailHTML(notify.Request{Title: "Low stock", Body: "Tyres\n\nOrder more", ActionURL: "/inventory?id=1&x=2"})
	for _, want := range []string{"<h2>Low stock</h2>", "<p>Tyres</p>", "<p>Order more</p>", "id=1&amp;x=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

func TestIsRecipientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no devices", ErrNoDevices, true},
		{"wrapped no contact", errors.Join(errors.New("sms"), ErrNoContact), true},
		{"subscription gone", errors.Join(ErrSubscriptionGone, ErrSubscriptionGone), true},
		{"provider failure", errors.New("ses: throttled"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecipientError(tt.err); got != tt.want {
				t.Errorf("IsRecipientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
