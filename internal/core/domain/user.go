package domain

// UserID is the identity a session is attributed to.
type UserID string
