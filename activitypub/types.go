package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Ref is a JSON-LD reference: a bare id string or an embedded object.
// Link objects ({"href": ...}) are accepted and expose their href as the id.
type Ref struct {
	id  string
	raw json.RawMessage
}

func NewRef(id string) Ref {
	return Ref{id: id}
}

// EmbedRef marshals v and keeps it as an embedded object.
func EmbedRef(v any) (Ref, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Ref{}, err
	}
	var r Ref
	if err := r.UnmarshalJSON(raw); err != nil {
		return Ref{}, err
	}
	return r, nil
}

func (r Ref) Id() string {
	return r.id
}

func (r Ref) IsZero() bool {
	return r.id == "" && r.raw == nil
}

func (r Ref) IsEmbedded() bool {
	return r.raw != nil
}

func (r Ref) Raw() json.RawMessage {
	return r.raw
}

// Type is the embedded object's type, or "" for bare ids.
func (r Ref) Type() string {
	if r.raw == nil {
		return ""
	}
	var head struct {
		Type ObjectType `json:"type"`
	}
	if err := json.Unmarshal(r.raw, &head); err != nil {
		return ""
	}
	return string(head.Type)
}

// Decode unmarshals the embedded object into v.
func (r Ref) Decode(v any) error {
	if r.raw == nil {
		return fmt.Errorf("reference %q is not embedded", r.id)
	}
	return json.Unmarshal(r.raw, v)
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*r = Ref{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &r.id)
	case '[':
		var items []Ref
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		if len(items) > 0 {
			*r = items[0]
		}
		return nil
	case '{':
		var head struct {
			Id   string `json:"id"`
			Href string `json:"href"`
		}
		if err := json.Unmarshal(b, &head); err != nil {
			return err
		}
		r.id = head.Id
		if r.id == "" {
			r.id = head.Href
		}
		r.raw = append(json.RawMessage(nil), b...)
		return nil
	}
	return fmt.Errorf("unexpected reference %s", b)
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	if r.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.id)
}

// Refs accepts a single reference or an array of them.
type Refs []Ref

func StringRefs(ids ...string) Refs {
	if len(ids) == 0 {
		return nil
	}
	out := make(Refs, 0, len(ids))
	for _, id := range ids {
		out = append(out, NewRef(id))
	}
	return out
}

func (rs *Refs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*rs = nil
		return nil
	}
	if b[0] == '[' {
		var items []Ref
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*rs = items
		return nil
	}
	var one Ref
	if err := one.UnmarshalJSON(b); err != nil {
		return err
	}
	*rs = Refs{one}
	return nil
}

func (rs Refs) Ids() []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.id != "" {
			out = append(out, r.id)
		}
	}
	return out
}

// ObjectType accepts "Note" as well as ["Note", ...].
type ObjectType string

func (t *ObjectType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var all []string
		if err := json.Unmarshal(b, &all); err != nil {
			return err
		}
		if len(all) > 0 {
			*t = ObjectType(all[0])
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ObjectType(s)
	return nil
}

// Activity is the envelope of every activity sent or received.
type Activity struct {
	Context   any        `json:"@context,omitempty"`
	Id        string     `json:"id,omitempty"`
	Type      ObjectType `json:"type"`
	Actor     Ref        `json:"actor,omitzero"`
	Object    Ref        `json:"object,omitzero"`
	Target    Ref        `json:"target,omitzero"`
	To        Refs       `json:"to,omitempty"`
	Cc        Refs       `json:"cc,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Content   string     `json:"content,omitempty"`
	Name      string     `json:"name,omitempty"`
	Tag       []Tag      `json:"tag,omitempty"`

	MisskeyReaction string `json:"_misskey_reaction,omitempty"`

	TotalItems   *int `json:"totalItems,omitempty"`
	Items        Refs `json:"items,omitempty"`
	OrderedItems Refs `json:"orderedItems,omitempty"`

	Signature *LDSignature `json:"signature,omitempty"`

	// objects keeps every entry when object is an array; Object holds
	// the first.
	objects Refs
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	type plain Activity
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var rest struct {
		Object Refs `json:"object"`
	}
	if err := json.Unmarshal(b, &rest); err != nil {
		return err
	}
	*a = Activity(p)
	a.objects = rest.Object
	return nil
}

// Objects returns every object reference, for activities such as Flag
// that address several.
func (a *Activity) Objects() Refs {
	if len(a.objects) > 0 {
		return a.objects
	}
	if a.Object.IsZero() {
		return nil
	}
	return Refs{a.Object}
}

func (a *Activity) Kind() Kind {
	return KindOf(string(a.Type))
}

func (a *Activity) TypeName() string {
	return string(a.Type)
}

// CollectionItems returns items or orderedItems, whichever is present.
func (a *Activity) CollectionItems() Refs {
	if len(a.OrderedItems) > 0 {
		return a.OrderedItems
	}
	return a.Items
}

func ParseActivity(b []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("malformed activity: %w", err)
	}
	if a.Type == "" {
		return nil, fmt.Errorf("activity without type")
	}
	return &a, nil
}

type Tag struct {
	Type    string     `json:"type"`
	Id      string     `json:"id,omitempty"`
	Name    string     `json:"name,omitempty"`
	Href    string     `json:"href,omitempty"`
	Icon    *Image     `json:"icon,omitempty"`
	Updated *time.Time `json:"updated,omitempty"`
}

type Image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Url       string `json:"url"`
}

type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

type PollOption struct {
	Type    string       `json:"type"`
	Name    string       `json:"name"`
	Replies *PollReplies `json:"replies,omitempty"`
}

type PollReplies struct {
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
}

// Object covers posts (Note, Question, ...) and Tombstones.
type Object struct {
	Context      any        `json:"@context,omitempty"`
	Id           string     `json:"id"`
	Type         ObjectType `json:"type"`
	AttributedTo Ref        `json:"attributedTo,omitzero"`
	Summary      string     `json:"summary,omitempty"`
	Content      string     `json:"content,omitempty"`
	Source       *Source    `json:"source,omitempty"`
	Name         string     `json:"name,omitempty"`
	InReplyTo    Ref        `json:"inReplyTo,omitzero"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
	Url          Ref        `json:"url,omitzero"`
	To           Refs       `json:"to,omitempty"`
	Cc           Refs       `json:"cc,omitempty"`
	Tag          []Tag      `json:"tag,omitempty"`
	Sensitive    bool       `json:"sensitive,omitempty"`

	MisskeyQuote string `json:"_misskey_quote,omitempty"`
	QuoteUrl     string `json:"quoteUrl,omitempty"`
	QuoteUri     string `json:"quoteUri,omitempty"`
	Quote        string `json:"quote,omitempty"`

	OneOf   []PollOption `json:"oneOf,omitempty"`
	AnyOf   []PollOption `json:"anyOf,omitempty"`
	EndTime *time.Time   `json:"endTime,omitempty"`
	Closed  *time.Time   `json:"closed,omitempty"`

	FormerType string `json:"formerType,omitempty"`
}

func (o *Object) TypeName() string {
	return string(o.Type)
}

// QuoteCandidates lists the distinct quote targets in preference order.
func (o *Object) QuoteCandidates() []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range []string{o.MisskeyQuote, o.QuoteUrl, o.QuoteUri, o.Quote} {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PropertyValue struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Person is any actor object (Person, Service, Group, ...).
type Person struct {
	Context                   any             `json:"@context,omitempty"`
	Id                        string          `json:"id"`
	Type                      ObjectType      `json:"type"`
	PreferredUsername         string          `json:"preferredUsername"`
	Name                      string          `json:"name,omitempty"`
	Summary                   string          `json:"summary,omitempty"`
	Url                       Ref             `json:"url,omitzero"`
	Inbox                     string          `json:"inbox"`
	Outbox                    string          `json:"outbox,omitempty"`
	Followers                 string          `json:"followers,omitempty"`
	Following                 string          `json:"following,omitempty"`
	Featured                  string          `json:"featured,omitempty"`
	SharedInbox               string          `json:"sharedInbox,omitempty"`
	Endpoints                 *Endpoints      `json:"endpoints,omitempty"`
	PublicKey                 *PublicKey      `json:"publicKey,omitempty"`
	Icon                      *Image          `json:"icon,omitempty"`
	Image                     *Image          `json:"image,omitempty"`
	Attachment                []PropertyValue `json:"attachment,omitempty"`
	Tag                       []Tag           `json:"tag,omitempty"`
	ManuallyApprovesFollowers bool            `json:"manuallyApprovesFollowers"`
	Discoverable              bool            `json:"discoverable,omitempty"`
	MovedTo                   string          `json:"movedTo,omitempty"`
	AlsoKnownAs               []string        `json:"alsoKnownAs,omitempty"`
	Published                 *time.Time      `json:"published,omitempty"`
}

func (p *Person) TypeName() string {
	return string(p.Type)
}

// SharedInboxUrl prefers endpoints.sharedInbox over the top-level field.
func (p *Person) SharedInboxUrl() string {
	if p.Endpoints != nil && p.Endpoints.SharedInbox != "" {
		return p.Endpoints.SharedInbox
	}
	return p.SharedInbox
}

// Collection is rendered for followers, featured and outbox endpoints.
type Collection struct {
	Context      any        `json:"@context,omitempty"`
	Id           string     `json:"id"`
	Type         ObjectType `json:"type"`
	TotalItems   int        `json:"totalItems"`
	First        string     `json:"first,omitempty"`
	OrderedItems []any      `json:"orderedItems,omitempty"`
}
