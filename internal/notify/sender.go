package notify

import "context"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Template keys understood by the downstream notification service. The
// engine only triggers sends; rendering and branding live elsewhere.
const (
	TemplateAppointmentReminder = "appointment-reminder"
	TemplateSlotOffer           = "slot-offer"
	TemplateOfferResult         = "slot-offer-result"
	TemplateWeeklyReport        = "weekly-report"
)

// Sender delivers one notification. Implementations must tolerate duplicate
// calls: the engine's idempotency flags prevent duplicate triggering, not
// duplicate transport inside a crash window.
type Sender interface {
	Send(ctx context.Context, channel Channel, recipient, templateKey string, vars map[string]string) error
}

// PickChannel prefers email when available, otherwise SMS. Returns false
// when the contact has no usable address at all.
func PickChannel(email, phone string) (Channel, string, bool) {
	if email != "" {
		return ChannelEmail, email, true
	}
	if phone != "" {
		return ChannelSMS, phone, true
	}
	return "", "", false
}
