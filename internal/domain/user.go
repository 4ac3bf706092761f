package domain

import "github.com/google/uuid"

// UserProfile is the display snapshot the signaling layer needs about a user.
// Full user records live in the account subsystem; only this narrow view is
// consumed here.
type UserProfile struct {
	UserID      uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
}
