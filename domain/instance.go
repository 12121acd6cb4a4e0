package domain

import "time"

// Instance aggregates what is known about one remote server.
type Instance struct {
	Id              string
	Host            string
	UsersCount      int
	NotesCount      int
	FollowingCount  int
	FollowersCount  int
	SoftwareName    string
	SoftwareVersion string
	Name            string
	Description     string
	InfoUpdatedAt   *time.Time

	LatestStatus            int
	LatestRequestReceivedAt *time.Time
	LastCommunicatedAt      *time.Time
	IsNotResponding         bool
	CreatedAt               time.Time
}

type RelayStatus string

const (
	RelayRequesting RelayStatus = "requesting"
	RelayAccepted   RelayStatus = "accepted"
	RelayRejected   RelayStatus = "rejected"
)

type Relay struct {
	Id     string
	Inbox  string
	Status RelayStatus
}

// Webhook posts user events to an external URL.
type Webhook struct {
	Id              string
	UserId          string
	Name            string
	Url             string
	Secret          string
	Events          []string
	Active          bool
	LatestStatus    int
	LastTriggeredAt *time.Time
}

func (w *Webhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Job is one row of the durable work queue.
type Job struct {
	Id          int64
	Class       string
	Name        string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
}
