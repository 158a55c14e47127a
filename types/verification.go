package types

import "time"

// Channel is the out-of-band delivery channel of a verification code.
type Channel string

// Supported channels.
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Purpose names the account change a verification code authorizes.
type Purpose string

// Supported purposes.
const (
	PurposeChangeEmail Purpose = "change-email"
	PurposeChangePhone Purpose = "change-phone"
	PurposeTwoFactor   Purpose = "two-factor"
)

// Known reports whether p is one of the supported purposes.
func (p Purpose) Known() bool {
	switch p {
	case PurposeChangeEmail, PurposeChangePhone, PurposeTwoFactor:
		return true
	default:
		return false
	}
}

// VerificationCode is a short-lived, single-use secret delivered to a
// recipient to authorize a sensitive account change.
type VerificationCode struct {
	// ID is the unique identifier of the record.
	ID int64 `json:"id" db:"id"`

	// UserID identifies the user the code was issued to.
	UserID int `json:"user_id" db:"user_id"`

	// Recipient is the email address or E.164 phone number the code was sent to.
	Recipient string `json:"recipient" db:"recipient"`

	// Channel is the delivery channel.
	Channel Channel `json:"channel" db:"channel"`

	// Purpose is the account change the code authorizes.
	Purpose Purpose `json:"purpose" db:"purpose"`

	// Code is the secret value. It is never serialized.
	Code string `json:"-" db:"code"`

	// CreatedAt is the issuance timestamp.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// ExpiresAt is CreatedAt plus the code TTL.
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`

	// Consumed is true once the code was used or superseded. A consumed
	// record is terminal and never reset.
	Consumed bool `json:"consumed" db:"consumed"`

	// ConsumedAt is when the record became consumed.
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`

	// Superseded marks records invalidated by a newer issuance rather than used.
	Superseded bool `json:"superseded" db:"superseded"`
}

// Expired reports whether the code is past its expiry at now.
func (v VerificationCode) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
