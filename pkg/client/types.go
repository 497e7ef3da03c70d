package client

import "time"

// Actor identifies the operator on whose behalf requests are made.
type Actor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// SyncState is the last poll result reported by the daemon.
type SyncState struct {
	Checked  bool        `json:"checked"`
	Notified bool        `json:"notified"`
	Status   *SyncStatus `json:"status,omitempty"`
}

// SyncStatus describes the working copy against its upstream.
type SyncStatus struct {
	Current   string    `json:"current"`
	Tracking  string    `json:"tracking"`
	Ahead     int       `json:"ahead"`
	Behind    int       `json:"behind"`
	Changed   int       `json:"changed"`
	CheckedAt time.Time `json:"checked_at"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Subject   string    `json:"subject"`
	Author    string    `json:"author"`
	When      time.Time `json:"when"`
}

type PendingCommits struct {
	Status  SyncStatus `json:"status"`
	Commits []Commit   `json:"commits"`
}

type ApplyResult struct {
	Pull struct {
		Changes    int    `json:"changes"`
		Insertions int    `json:"insertions"`
		Deletions  int    `json:"deletions"`
		Summary    string `json:"summary"`
	} `json:"pull"`
	Push struct {
		Pushed  bool   `json:"pushed"`
		Summary string `json:"summary"`
	} `json:"push"`
}

// Session is a pending confirmation.
type Session struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RequestedBy Actor     `json:"requested_by"`
	// Callback ids are only set on the response to BeginSession.
	ConfirmCallback string `json:"confirm_callback,omitempty"`
	CancelCallback  string `json:"cancel_callback,omitempty"`
}

// Outcome is returned when a session is approved or cancelled.
type Outcome struct {
	Session       Session   `json:"session"`
	Status        string    `json:"status"`
	Actor         *Actor    `json:"actor,omitempty"`
	At            time.Time `json:"at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Reason        string    `json:"reason,omitempty"`
}

type HistoryRecord struct {
	Action  string    `json:"action"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
	Actor   *Actor    `json:"actor,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type HistoryEvent struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorLabel string    `json:"actor_label,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// History summarizes an action: its pending session, last outcome, cooldown
// and exported events.
type History struct {
	Action        string         `json:"action"`
	Pending       *Session       `json:"pending,omitempty"`
	Last          *HistoryRecord `json:"last,omitempty"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	Events        []HistoryEvent `json:"events,omitempty"`
}

// ErrorResponse represents an API error response. Only the fields relevant to
// the failure are set.
type ErrorResponse struct {
	Error   string     `json:"error"`
	Stage   string     `json:"stage,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
	Session *Session   `json:"session,omitempty"`
}
