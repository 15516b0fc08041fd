package domain

import "time"

// User is an account able to authenticate against the board.
type User struct {
	ID           int64      `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	FullName     *string    `json:"full_name" db:"full_name"`
	PasswordHash string     `json:"-" db:"hashed_password"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	IsAdmin      bool       `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at" db:"updated_at"`
}

// Owner projects the user into the shape embedded in task payloads.
func (u User) Owner() *TaskOwner {
	return &TaskOwner{ID: u.ID, Username: u.Username, FullName: cloneString(u.FullName)}
}

// Session records a login. Sessions are informational; token validity is
// governed by the token expiry alone.
type Session struct {
	ID           int64     `json:"id" db:"id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	Token        string    `json:"-" db:"session_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
	UserAgent    *string   `json:"user_agent" db:"user_agent"`
	IPAddress    *string   `json:"ip_address" db:"ip_address"`
	IsActive     bool      `json:"is_active" db:"is_active"`
}

// Identity is the result of verifying a credential.
type Identity struct {
	UserID   int64
	Username string
	IsActive bool
	IsAdmin  bool
}

// Claims are the verified contents of an access token.
type Claims struct {
	Username  string
	UserID    int64
	ExpiresAt time.Time
}
