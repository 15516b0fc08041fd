package domain

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	CustomIDLength = 6
	CustomIDPrefix = "RE-"
	customIDChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var customIDMax = big.NewInt(int64(len(customIDChars)))

// NewCustomID returns a random 6 character uppercase alphanumeric id.
func NewCustomID() string {
	var b strings.Builder
	b.Grow(CustomIDLength)
	for i := 0; i < CustomIDLength; i++ {
		n, err := rand.Int(rand.Reader, customIDMax)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		b.WriteByte(customIDChars[n.Int64()])
	}
	return b.String()
}

// NormalizeCustomID strips an optional "RE-" prefix (any case), enforces the
// 6 character length and uppercases the result.
func NormalizeCustomID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if len(id) >= len(CustomIDPrefix) && strings.EqualFold(id[:len(CustomIDPrefix)], CustomIDPrefix) {
		id = id[len(CustomIDPrefix):]
	}
	if len(id) != CustomIDLength {
		return "", false
	}
	id = strings.ToUpper(id)
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(customIDChars, rune(id[i])) {
			return "", false
		}
	}
	return id, true
}

// DisplayCustomID renders the human facing form, e.g. "RE-AB12CD".
func DisplayCustomID(id string) string {
	return CustomIDPrefix + id
}

var statusMessages = map[string]string{
	StatusTodo:              "Your request has been received and is currently queued for processing. We will begin working on it shortly.",
	StatusInReview:          "Your request is currently under review by our team. Please allow additional time for processing and await further communication.",
	StatusAwaitingDocuments: "Your request requires additional documentation or information. Please check your email for our correspondence or contact our office for details.",
	StatusDone:              "Your request has been completed successfully. No further action is required on your part. Thank you for choosing our services.",
}

// StatusMessage maps a column to the coarse message shown on public lookups.
func StatusMessage(status string) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return "Your request status is being updated. Please contact our office for details."
}

// PublicStatus is the unauthenticated view of a task.
type PublicStatus struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
