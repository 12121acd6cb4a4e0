package domain

import (
	"fmt"
	"time"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityHome      Visibility = "home"
	VisibilityFollowers Visibility = "followers"
	VisibilitySpecified Visibility = "specified"
)

var Visibilities = []Visibility{VisibilityPublic, VisibilityHome, VisibilityFollowers, VisibilitySpecified}

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityHome, VisibilityFollowers, VisibilitySpecified:
		return true
	}
	return false
}

// Post is a note-like content unit, local or remote.
type Post struct {
	Id       string
	UserId   string
	UserHost string

	ReplyId  string
	RenoteId string
	QuoteId  string
	ThreadId string

	Text string
	Cw   string

	Visibility     Visibility
	VisibleUserIds []string
	Mentions       []string
	Tags           []string
	Emojis         []string

	Uri string
	Url string

	HasPoll      bool
	RepliesCount int
	RenoteCount  int
	Reactions    map[string]int

	IsDeleted bool
	CreatedAt time.Time
}

func (p *Post) IsLocal() bool {
	return p.UserHost == ""
}

// IsPureRenote reports whether the post only boosts another one.
func (p *Post) IsPureRenote() bool {
	return p.RenoteId != "" && p.Text == "" && p.Cw == "" && !p.HasPoll && p.QuoteId == ""
}

// Validate enforces the invariants every stored post must satisfy.
func (p *Post) Validate() error {
	if p.UserId == "" {
		return fmt.Errorf("post without author")
	}
	if !p.Visibility.Valid() {
		return fmt.Errorf("invalid visibility %q", p.Visibility)
	}
	if p.Visibility == VisibilitySpecified && len(p.VisibleUserIds) == 0 {
		return ErrNoRecipients
	}
	if p.Visibility != VisibilitySpecified && len(p.VisibleUserIds) > 0 {
		return fmt.Errorf("recipients on a %s post", p.Visibility)
	}
	return nil
}

type Poll struct {
	PostId    string
	Choices   []string
	Votes     []int
	Multiple  bool
	ExpiresAt *time.Time
}

func (p *Poll) IsClosed(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

func (p *Poll) ChoiceIndex(name string) int {
	for i, c := range p.Choices {
		if c == name {
			return i
		}
	}
	return -1
}

type PollVote struct {
	Id        string
	PostId    string
	UserId    string
	Choice    int
	CreatedAt time.Time
}

type Emoji struct {
	Id        string
	Name      string
	Host      string
	Url       string
	UpdatedAt time.Time
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUserId: %s \n\tVisibility: %s \n\tUri: %s \n\tCreatedAt: %s)", p.Id, p.UserId, p.Visibility, p.Uri, p.CreatedAt)
}
