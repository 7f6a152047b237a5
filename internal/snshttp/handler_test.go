package snshttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/asgdns/internal/hostname"
)

const topic = "arn:aws:sns:us-east-1:123456789012:asg-events"

type mockProcessor struct {
	batches []events.SNSEvent
	err     error
}

func (m *mockProcessor) HandleBatch(_ context.Context, batch events.SNSEvent) error {
	m.batches = append(m.batches, batch)
	return m.err
}

type mockSNSClient struct {
	calls []*sns.ConfirmSubscriptionInput
	err   error
}

func (m *mockSNSClient) ConfirmSubscription(_ context.Context, params *sns.ConfirmSubscriptionInput, _ ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sns.ConfirmSubscriptionOutput{SubscriptionArn: aws.String(topic + ":sub")}, nil
}

type stubVerifier struct {
	err   error
	calls int
}

func (v *stubVerifier) Verify(context.Context, Message) error {
	v.calls++
	return v.err
}

func newTestHandler(proc BatchHandler, client *mockSNSClient, topics []string) *Handler {
	return NewHandler(proc, client, &stubVerifier{}, topics, zerolog.Nop())
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/sns", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Notification(t *testing.T) {
	proc := &mockProcessor{}
	h := newTestHandler(proc, &mockSNSClient{}, nil)

	body := `{"Type":"Notification","MessageId":"m-1","TopicArn":"` + topic + `","Message":"{\"Event\":\"autoscaling:TEST_NOTIFICATION\"}"}`
	w := post(h, body)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, proc.batches, 1)
	require.Len(t, proc.batches[0].Records, 1)
	rec := proc.batches[0].Records[0]
	assert.Equal(t, "m-1", rec.SNS.MessageID)
	assert.Equal(t, topic, rec.SNS.TopicArn)
	assert.Equal(t, `{"Event":"autoscaling:TEST_NOTIFICATION"}`, rec.SNS.Message)
}

func TestHandler_NotificationFailure(t *testing.T) {
	for _, procErr := range []error{errors.New("boom"), hostname.ErrNoToken} {
		proc := &mockProcessor{err: procErr}
		h := newTestHandler(proc, &mockSNSClient{}, nil)

		w := post(h, `{"Type":"Notification","MessageId":"m-1","TopicArn":"`+topic+`","Message":"{}"}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}
}

func TestHandler_SubscriptionConfirmation(t *testing.T) {
	proc := &mockProcessor{}
	client := &mockSNSClient{}
	h := newTestHandler(proc, client, []string{topic})

	w := post(h, `{"Type":"SubscriptionConfirmation","MessageId":"m-2","Token":"tok","TopicArn":"`+topic+`"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, client.calls, 1)
	assert.Equal(t, topic, aws.ToString(client.calls[0].TopicArn))
	assert.Equal(t, "tok", aws.ToString(client.calls[0].Token))
	assert.Empty(t, proc.batches)
}

func TestHandler_SubscriptionConfirmationFailure(t *testing.T) {
	client := &mockSNSClient{err: errors.New("denied")}
	h := newTestHandler(&mockProcessor{}, client, nil)

	w := post(h, `{"Type":"SubscriptionConfirmation","Token":"tok","TopicArn":"`+topic+`"}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandler_TypeFromHeader(t *testing.T) {
	proc := &mockProcessor{}
	h := newTestHandler(proc, &mockSNSClient{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/sns", strings.NewReader(`{"TopicArn":"`+topic+`","Message":"{}"}`))
	req.Header.Set("x-amz-sns-message-type", "Notification")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, proc.batches, 1)
}

func TestHandler_ForeignTopic(t *testing.T) {
	proc := &mockProcessor{}
	h := newTestHandler(proc, &mockSNSClient{}, []string{topic})

	w := post(h, `{"Type":"Notification","TopicArn":"arn:aws:sns:us-east-1:999999999999:other","Message":"{}"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, proc.batches)
}

func TestHandler_BadRequests(t *testing.T) {
	h := newTestHandler(&mockProcessor{}, &mockSNSClient{}, nil)

	assert.Equal(t, http.StatusBadRequest, post(h, "{not json").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, `{"Type":"Mystery","TopicArn":"`+topic+`"}`).Code)
	assert.Equal(t, http.StatusOK, post(h, `{"Type":"UnsubscribeConfirmation","TopicArn":"`+topic+`"}`).Code)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sns", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestNewMux(t *testing.T) {
	proc := &mockProcessor{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("asgdns_messages_total 1"))
	})
	mux := NewMux(newTestHandler(proc, &mockSNSClient{}, nil), metrics)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "asgdns_messages_total")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sns", strings.NewReader(`{"Type":"Notification","Message":"{}"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, proc.batches, 1)
}

func TestHandler_RejectsUnverifiedMessage(t *testing.T) {
	proc := &mockProcessor{}
	client := &mockSNSClient{}
	verifier := &stubVerifier{err: ErrInvalidSignature}
	h := NewHandler(proc, client, verifier, []string{topic}, zerolog.Nop())

	w := post(h, `{"Type":"SubscriptionConfirmation","Token":"tok","TopicArn":"`+topic+`"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, verifier.calls)
	assert.Empty(t, client.calls)
}

func TestHandler_ForgedTerminatingNotification(t *testing.T) {
	forged := `{"Type":"Notification","MessageId":"m-9","TopicArn":"` + topic + `",` +
		`"Message":"{\"LifecycleTransition\":\"autoscaling:EC2_INSTANCE_TERMINATING\",\"AutoScalingGroupName\":\"prod\",\"EC2InstanceId\":\"i-live\"}"`

	tests := []struct {
		name string
		body string
	}{
		{name: "unsigned", body: forged + `}`},
		{name: "cert outside sns", body: forged + `,"SignatureVersion":"1","Signature":"c2lnbmF0dXJl","SigningCertURL":"https://attacker.example.com/cert.pem"}`},
		{name: "plain http cert", body: forged + `,"SignatureVersion":"2","Signature":"c2lnbmF0dXJl","SigningCertURL":"http://sns.us-east-1.amazonaws.com/cert.pem"}`},
		{name: "unknown version", body: forged + `,"SignatureVersion":"3","Signature":"c2lnbmF0dXJl","SigningCertURL":"https://sns.us-east-1.amazonaws.com/cert.pem"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &mockProcessor{}
			h := NewHandler(proc, &mockSNSClient{}, NewSignatureVerifier(), []string{topic}, zerolog.Nop())

			w := post(h, tt.body)

			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Empty(t, proc.batches)
		})
	}
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	proc := &mockProcessor{}
	h := newTestHandler(proc, &mockSNSClient{}, nil)

	body := `{"Type":"Notification","Message":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	w := post(h, body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, proc.batches)
}
