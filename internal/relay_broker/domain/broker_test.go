package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/otprelay/golang_services/internal/core_domain"
)

func event(id, service, code string) core_domain.OTPEvent {
	return core_domain.OTPEvent{
		Message: core_domain.Message{ID: id},
		OTP:     *core_domain.NewParsedOTP(service, code),
	}
}

func TestLastEventSlot(t *testing.T) {
	var slot LastEventSlot
	_, ok := slot.Load()
	assert.False(t, ok)

	assert.True(t, slot.Swap(event("1", "acme", "123456")))
	assert.False(t, slot.Swap(event("2", "acme", "123456")), "same otp from a new message is unchanged")
	assert.True(t, slot.Swap(event("3", "", "123456")), "service differs")
	assert.True(t, slot.Swap(event("4", "", "654321")))

	last, ok := slot.Load()
	assert.True(t, ok)
	assert.Equal(t, "4", last.Message.ID)
}
