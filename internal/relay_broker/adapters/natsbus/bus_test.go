package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otprelay/golang_services/internal/core_domain"
)

type MockBus struct {
	mock.Mock
	handler nats.MsgHandler
}

func (m *MockBus) Publish(ctx context.Context, subject string, data []byte) error {
	return m.Called(ctx, subject, data).Error(0)
}

func (m *MockBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	args := m.Called(ctx, subject, data)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *MockBus) Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error) {
	m.handler = handler
	args := m.Called(ctx, subject, queueGroup)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

type MockShell struct {
	mock.Mock
}

func (m *MockShell) MarkRead(ctx context.Context, messageID string) bool {
	return m.Called(ctx, messageID).Bool(0)
}

func (m *MockShell) CopyCode(ctx context.Context, otp core_domain.ParsedOTP) error {
	return m.Called(ctx, otp).Error(0)
}

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublisher_PublishOTPEvent(t *testing.T) {
	bus := new(MockBus)
	sent := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := core_domain.OTPEvent{
		Message: core_domain.Message{ID: "m1", Sender: "ACME", SentAt: sent},
		OTP:     *core_domain.NewParsedOTP("acme", "123456"),
	}
	bus.On("Publish", mock.Anything, SubjectOTPReceived, mock.MatchedBy(func(data []byte) bool {
		var got OTPEventMessage
		if json.Unmarshal(data, &got) != nil {
			return false
		}
		return got.MessageID == "m1" && got.Sender == "ACME" && got.Service == "acme" && got.Code == "123456" && got.SentAt.Equal(sent)
	})).Return(nil).Once()

	require.NoError(t, NewPublisher(bus, logger()).PublishOTPEvent(context.Background(), ev))
	bus.AssertExpectations(t)
}

func TestPublisher_PublishCodeConsumed(t *testing.T) {
	bus := new(MockBus)
	bus.On("Publish", mock.Anything, SubjectCodeConsumed, []byte(`{"message_id":"m1"}`)).Return(errors.New("nats down")).Once()

	err := NewPublisher(bus, logger()).PublishCodeConsumed(context.Background(), "m1")
	assert.EqualError(t, err, "nats down")
	bus.AssertExpectations(t)
}

func TestShell_MarkRead(t *testing.T) {
	t.Run("ShellAnswers", func(t *testing.T) {
		bus := new(MockBus)
		local := new(MockShell)
		bus.On("Request", mock.Anything, SubjectShellMarkRead, []byte(`{"message_id":"m1"}`)).Return([]byte(`{"ok":true}`), nil).Once()
		local.On("MarkRead", mock.Anything, "m1").Return(true).Once()

		assert.True(t, NewShell(bus, local, logger()).MarkRead(context.Background(), "m1"))
		bus.AssertExpectations(t)
		local.AssertExpectations(t)
	})

	t.Run("NoResponderFallsBack", func(t *testing.T) {
		bus := new(MockBus)
		local := new(MockShell)
		bus.On("Request", mock.Anything, SubjectShellMarkRead, mock.Anything).Return(nil, nats.ErrNoResponders).Once()
		local.On("MarkRead", mock.Anything, "m2").Return(true).Once()

		assert.True(t, NewShell(bus, local, logger()).MarkRead(context.Background(), "m2"))
		local.AssertExpectations(t)
	})

	t.Run("NoFallback", func(t *testing.T) {
		bus := new(MockBus)
		bus.On("Request", mock.Anything, SubjectShellMarkRead, mock.Anything).Return(nil, context.DeadlineExceeded).Once()
		assert.False(t, NewShell(bus, nil, logger()).MarkRead(context.Background(), "m3"))
	})

	t.Run("ShellDeclines", func(t *testing.T) {
		bus := new(MockBus)
		local := new(MockShell)
		bus.On("Request", mock.Anything, SubjectShellMarkRead, mock.Anything).Return([]byte(`{"ok":false}`), nil).Once()
		assert.False(t, NewShell(bus, local, logger()).MarkRead(context.Background(), "m4"))
		local.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything)
	})
}

func TestShell_CopyCode(t *testing.T) {
	bus := new(MockBus)
	bus.On("Publish", mock.Anything, SubjectShellCopyCode, []byte(`{"service":"acme","code":"0042"}`)).Return(nil).Once()

	require.NoError(t, NewShell(bus, nil, logger()).CopyCode(context.Background(), *core_domain.NewParsedOTP("acme", "0042")))
	bus.AssertExpectations(t)
}

func TestSubscribeConsume(t *testing.T) {
	bus := new(MockBus)
	bus.On("Subscribe", mock.Anything, SubjectConsumeCode, "otprelay").Return(&nats.Subscription{}, nil).Once()

	var got []string
	_, err := SubscribeConsume(context.Background(), bus, func(_ context.Context, id string) error {
		got = append(got, id)
		return nil
	}, logger())
	require.NoError(t, err)
	require.NotNil(t, bus.handler)

	bus.handler(&nats.Msg{Subject: SubjectConsumeCode, Data: []byte(`{"message_id":"m9"}`)})
	bus.handler(&nats.Msg{Subject: SubjectConsumeCode, Data: []byte(`not json`)})
	assert.Equal(t, []string{"m9"}, got)
}
