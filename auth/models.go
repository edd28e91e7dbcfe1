package auth

import "time"

type Role string

const (
	RoleTrader     Role = "trader"
	RoleArbitrator Role = "arbitrator"
	RoleAdmin      Role = "admin"
)

// Participant is the domain representation of an authenticated account.
// It mirrors the participants table and should not include JSON annotations
// so it can be reused by different presentation layers.
type Participant struct {
	ID           string
	Email        string
	Address      string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers. Address is
// the on-platform settlement address the account transacts under.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Address  string `json:"address"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
