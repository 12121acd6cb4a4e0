package domain

import "time"

// Following is an established follow relationship. Host and inbox data of
// both sides are copied in so fanout never has to join on actors.
type Following struct {
	Id                  string
	FollowerId          string
	FolloweeId          string
	FollowerHost        string
	FollowerInbox       string
	FollowerSharedInbox string
	FolloweeHost        string
	FolloweeInbox       string
	FolloweeSharedInbox string
	CreatedAt           time.Time
}

// NewFollowing builds the relationship row for follower -> followee.
func NewFollowing(follower, followee *Actor) *Following {
	return &Following{
		Id:                  NewID(),
		FollowerId:          follower.Id,
		FolloweeId:          followee.Id,
		FollowerHost:        follower.Host,
		FollowerInbox:       follower.Inbox,
		FollowerSharedInbox: follower.SharedInbox,
		FolloweeHost:        followee.Host,
		FolloweeInbox:       followee.Inbox,
		FolloweeSharedInbox: followee.SharedInbox,
		CreatedAt:           time.Now(),
	}
}

// FollowRequest is a follow awaiting Accept or Reject. RequestId carries the
// remote Follow activity id so replies can be matched.
type FollowRequest struct {
	Id         string
	FollowerId string
	FolloweeId string
	RequestId  string
	CreatedAt  time.Time
}

type Blocking struct {
	Id        string
	BlockerId string
	BlockeeId string
	CreatedAt time.Time
}

type Muting struct {
	Id        string
	MuterId   string
	MuteeId   string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

func (m *Muting) Active(now time.Time) bool {
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

type UserList struct {
	Id        string
	UserId    string
	Name      string
	CreatedAt time.Time
}

type ListMembership struct {
	Id        string
	ListId    string
	UserId    string
	CreatedAt time.Time
}

type Reaction struct {
	Id        string
	UserId    string
	PostId    string
	Reaction  string
	CreatedAt time.Time
}

// Pin places a post in its author's featured collection.
type Pin struct {
	Id        string
	UserId    string
	PostId    string
	CreatedAt time.Time
}

type AbuseReport struct {
	Id           string
	TargetUserId string
	ReporterId   string
	Comment      string
	PostIds      []string
	Uri          string
	CreatedAt    time.Time
}
