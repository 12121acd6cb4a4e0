package domain

import (
	"fmt"
	"time"
)

// ProfileField is one name/value pair from an actor's profile attachments.
type ProfileField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Actor is a local user or the cached representation of a remote one.
// Local actors have an empty Host and no inbox endpoints; remote actors
// always carry Host and Uri.
type Actor struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Host     string `json:"host,omitempty"`
	Uri      string `json:"uri,omitempty"`
	Url      string `json:"url,omitempty"`

	Inbox        string `json:"inbox,omitempty"`
	SharedInbox  string `json:"sharedInbox,omitempty"`
	Outbox       string `json:"outbox,omitempty"`
	FollowersUri string `json:"followersUri,omitempty"`
	FeaturedUri  string `json:"featuredUri,omitempty"`

	KeyId        string `json:"keyId,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
	// never serialized, so it never reaches the shared cache
	PrivateKeyPem string `json:"-"`

	Name      string         `json:"name,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	AvatarUrl string         `json:"avatarUrl,omitempty"`
	BannerUrl string         `json:"bannerUrl,omitempty"`
	Fields    []ProfileField `json:"fields,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Emojis    []string       `json:"emojis,omitempty"`
	IsBot     bool           `json:"isBot,omitempty"`
	IsLocked  bool           `json:"isLocked,omitempty"`

	IsSuspended bool `json:"isSuspended,omitempty"`
	IsDeleted   bool `json:"isDeleted,omitempty"`

	MovedToUri  string     `json:"movedToUri,omitempty"`
	MovedAt     *time.Time `json:"movedAt,omitempty"`
	AlsoKnownAs []string   `json:"alsoKnownAs,omitempty"`

	FollowersCount int `json:"followersCount"`
	FollowingCount int `json:"followingCount"`
	NotesCount     int `json:"notesCount"`

	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (a *Actor) IsLocal() bool {
	return a.Host == ""
}

func (a *Actor) IsRemote() bool {
	return a.Host != ""
}

// Acct returns user@host for remote actors and the bare username for local ones.
func (a *Actor) Acct() string {
	if a.IsLocal() {
		return a.Username
	}
	return a.Username + "@" + a.Host
}

// IsStale reports whether the remote profile should be refetched.
func (a *Actor) IsStale(now time.Time, maxAge time.Duration) bool {
	if a.IsLocal() {
		return false
	}
	return a.LastFetchedAt == nil || now.Sub(*a.LastFetchedAt) > maxAge
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tAcct: %s \n\tUri: %s \n\tSuspended: %t)", a.Id, a.Acct(), a.Uri, a.IsSuspended)
}
