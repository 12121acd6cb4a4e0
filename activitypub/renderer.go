package activitypub

import (
	"strings"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// Context is attached to every top-level object we publish.
var Context = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
	map[string]any{
		"manuallyApprovesFollowers": "as:manuallyApprovesFollowers",
		"sensitive":                 "as:sensitive",
		"Hashtag":                   "as:Hashtag",
		"quoteUrl":                  "as:quoteUrl",
		"toot":                      "http://joinmastodon.org/ns#",
		"Emoji":                     "toot:Emoji",
		"featured":                  map[string]any{"@id": "toot:featured", "@type": "@id"},
		"discoverable":              "toot:discoverable",
		"schema":                    "http://schema.org#",
		"PropertyValue":             "schema:PropertyValue",
		"value":                     "schema:value",
		"misskey":                   "https://misskey-hub.net/ns#",
		"_misskey_quote":            "misskey:_misskey_quote",
		"_misskey_reaction":         "misskey:_misskey_reaction",
		"movedTo":                   map[string]any{"@id": "as:movedTo", "@type": "@id"},
		"alsoKnownAs":               map[string]any{"@id": "as:alsoKnownAs", "@type": "@id"},
	},
}

// Renderer builds outgoing objects and the uris of local resources.
type Renderer struct {
	base string
}

func NewRenderer(baseURL string) *Renderer {
	return &Renderer{base: strings.TrimRight(baseURL, "/")}
}

func (r *Renderer) Base() string {
	return r.base
}

// Host is the normalized authority of the base url.
func (r *Renderer) Host() string {
	h, err := HostOf(r.base)
	if err != nil {
		return ""
	}
	return h
}

func (r *Renderer) ActorUri(id string) string { return r.base + "/users/" + id }
func (r *Renderer) InboxUri(id string) string { return r.ActorUri(id) + "/inbox" }
func (r *Renderer) OutboxUri(id string) string { return r.ActorUri(id) + "/outbox" }
func (r *Renderer) FollowersUri(id string) string { return r.ActorUri(id) + "/followers" }
func (r *Renderer) FollowingUri(id string) string { return r.ActorUri(id) + "/following" }
func (r *Renderer) FeaturedUri(id string) string { return r.ActorUri(id) + "/collections/featured" }
func (r *Renderer) KeyId(id string) string { return r.ActorUri(id) + "#main-key" }
func (r *Renderer) SharedInboxUri() string { return r.base + "/inbox" }
func (r *Renderer) NoteUri(id string) string { return r.base + "/notes/" + id }
func (r *Renderer) NoteActivityUri(id string) string {
	return r.NoteUri(id) + "/activity"
}

func (r *Renderer) FollowUri(followerId, followeeId string) string {
	return r.base + "/follows/" + followerId + "/" + followeeId
}

func (r *Renderer) BlockUri(id string) string { return r.base + "/blocks/" + id }
func (r *Renderer) LikeUri(id string) string { return r.base + "/likes/" + id }
func (r *Renderer) RelayFollowUri(id string) string { return r.base + "/activities/follow-relay/" + id }

// ActivityUri addresses accepts, rejects, undos, updates, deletes and moves.
func (r *Renderer) ActivityUri(kind, id string) string {
	return r.base + "/" + kind + "/" + id
}

// ActorUriOf returns the canonical uri of a local or remote actor.
func (r *Renderer) ActorUriOf(a *domain.Actor) string {
	if a.IsRemote() {
		return a.Uri
	}
	return r.ActorUri(a.Id)
}

func (r *Renderer) FollowersUriOf(a *domain.Actor) string {
	if a.IsRemote() {
		return a.FollowersUri
	}
	return r.FollowersUri(a.Id)
}

func (r *Renderer) PostUriOf(p *domain.Post) string {
	if p.Uri != "" {
		return p.Uri
	}
	return r.NoteUri(p.Id)
}

// ParseFollowUri extracts the local follower and followee ids from a
// Follow id minted by FollowUri.
func (r *Renderer) ParseFollowUri(uri string) (followerId, followeeId string, ok bool) {
	rest, found := strings.CutPrefix(uri, r.base+"/follows/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseRelayFollowUri extracts the relay id from a relay Follow id.
func (r *Renderer) ParseRelayFollowUri(uri string) (string, bool) {
	id, found := strings.CutPrefix(uri, r.base+"/activities/follow-relay/")
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// LocalId returns the id of a local resource of the given kind ("users",
// "notes") addressed by uri.
func (r *Renderer) LocalId(kind, uri string) (string, bool) {
	id, found := strings.CutPrefix(uri, r.base+"/"+kind+"/")
	if !found || id == "" || strings.ContainsAny(id, "/#?") {
		return "", false
	}
	return id, true
}

func (r *Renderer) activity(kind, typ, actorUri string) *Activity {
	return &Activity{
		Context: Context,
		Id:      r.ActivityUri(kind, domain.NewID()),
		Type:    ObjectType(typ),
		Actor:   NewRef(actorUri),
	}
}

// embed is only used with our own types, which always marshal.
func embed(v any) Ref {
	ref, _ := EmbedRef(v)
	return ref
}

// stripContext removes a nested @context before embedding.
func stripContext(a *Activity) *Activity {
	c := *a
	c.Context = nil
	return &c
}

func (r *Renderer) RenderPerson(a *domain.Actor) *Person {
	uri := r.ActorUri(a.Id)
	p := &Person{
		Context:                   Context,
		Id:                        uri,
		Type:                      "Person",
		PreferredUsername:         a.Username,
		Name:                      a.Name,
		Summary:                   a.Summary,
		Url:                       NewRef(r.base + "/@" + a.Username),
		Inbox:                     r.InboxUri(a.Id),
		Outbox:                    r.OutboxUri(a.Id),
		Followers:                 r.FollowersUri(a.Id),
		Following:                 r.FollowingUri(a.Id),
		Featured:                  r.FeaturedUri(a.Id),
		SharedInbox:               r.SharedInboxUri(),
		Endpoints:                 &Endpoints{SharedInbox: r.SharedInboxUri()},
		ManuallyApprovesFollowers: a.IsLocked,
		Discoverable:              true,
		MovedTo:                   a.MovedToUri,
		AlsoKnownAs:               a.AlsoKnownAs,
		PublicKey: &PublicKey{
			Id:           r.KeyId(a.Id),
			Owner:        uri,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if a.IsBot {
		p.Type = "Service"
	}
	if a.AvatarUrl != "" {
		p.Icon = &Image{Type: "Image", Url: a.AvatarUrl}
	}
	if a.BannerUrl != "" {
		p.Image = &Image{Type: "Image", Url: a.BannerUrl}
	}
	for _, f := range a.Fields {
		p.Attachment = append(p.Attachment, PropertyValue{Type: "PropertyValue", Name: f.Name, Value: f.Value})
	}
	for _, t := range a.Tags {
		p.Tag = append(p.Tag, Tag{Type: "Hashtag", Name: "#" + t, Href: r.base + "/tags/" + t})
	}
	created := a.CreatedAt
	if !created.IsZero() {
		p.Published = &created
	}
	return p
}

// NoteRefs are the already resolved uris a note links to.
type NoteRefs struct {
	ReplyUri      string
	QuoteUri      string
	MentionUris   []string
	RecipientUris []string
	Poll          *domain.Poll
}

func (r *Renderer) RenderNote(p *domain.Post, author *domain.Actor, refs NoteRefs) *Object {
	actorUri := r.ActorUriOf(author)
	to, cc := RenderAudience(p.Visibility, r.FollowersUriOf(author), refs.MentionUris, refs.RecipientUris)
	published := p.CreatedAt

	o := &Object{
		Id:           r.PostUriOf(p),
		Type:         "Note",
		AttributedTo: NewRef(actorUri),
		Summary:      p.Cw,
		Content:      renderContent(p.Text),
		Source:       &Source{Content: p.Text, MediaType: "text/x.misskeymarkdown"},
		Published:    &published,
		To:           StringRefs(to...),
		Cc:           StringRefs(cc...),
		Sensitive:    p.Cw != "",
	}
	if p.Url != "" {
		o.Url = NewRef(p.Url)
	} else if p.IsLocal() {
		o.Url = NewRef(r.NoteUri(p.Id))
	}
	if refs.ReplyUri != "" {
		o.InReplyTo = NewRef(refs.ReplyUri)
	}
	if refs.QuoteUri != "" {
		o.MisskeyQuote = refs.QuoteUri
		o.QuoteUrl = refs.QuoteUri
	}
	for _, m := range refs.MentionUris {
		o.Tag = append(o.Tag, Tag{Type: "Mention", Href: m})
	}
	for _, t := range p.Tags {
		o.Tag = append(o.Tag, Tag{Type: "Hashtag", Name: "#" + t, Href: r.base + "/tags/" + t})
	}
	if refs.Poll != nil {
		o.Type = "Question"
		options := make([]PollOption, len(refs.Poll.Choices))
		for i, c := range refs.Poll.Choices {
			votes := 0
			if i < len(refs.Poll.Votes) {
				votes = refs.Poll.Votes[i]
			}
			options[i] = PollOption{Type: "Note", Name: c, Replies: &PollReplies{Type: "Collection", TotalItems: votes}}
		}
		if refs.Poll.Multiple {
			o.AnyOf = options
		} else {
			o.OneOf = options
		}
		o.EndTime = refs.Poll.ExpiresAt
		if refs.Poll.IsClosed(time.Now()) {
			o.Closed = refs.Poll.ExpiresAt
		}
	}
	return o
}

// renderContent wraps plain text paragraphs in HTML.
func renderContent(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(htmlEscaper.Replace(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")

func (r *Renderer) RenderCreate(note *Object, p *domain.Post) *Activity {
	published := p.CreatedAt
	inner := *note
	inner.Context = nil
	return &Activity{
		Context:   Context,
		Id:        r.NoteActivityUri(p.Id),
		Type:      "Create",
		Actor:     note.AttributedTo,
		Object:    embed(&inner),
		To:        note.To,
		Cc:        note.Cc,
		Published: &published,
	}
}

// RenderAnnounce renders a pure renote of targetUri.
func (r *Renderer) RenderAnnounce(p *domain.Post, author *domain.Actor, targetUri string, recipients []string) *Activity {
	to, cc := RenderAudience(p.Visibility, r.FollowersUriOf(author), nil, recipients)
	published := p.CreatedAt
	return &Activity{
		Context:   Context,
		Id:        r.NoteActivityUri(p.Id),
		Type:      "Announce",
		Actor:     NewRef(r.ActorUriOf(author)),
		Object:    NewRef(targetUri),
		To:        StringRefs(to...),
		Cc:        StringRefs(cc...),
		Published: &published,
	}
}

// RenderUpdate wraps an actor or note object; it is addressed publicly.
func (r *Renderer) RenderUpdate(object any, actorUri string) *Activity {
	a := r.activity("updates", "Update", actorUri)
	switch o := object.(type) {
	case *Person:
		inner := *o
		inner.Context = nil
		a.Object = embed(&inner)
	case *Object:
		inner := *o
		inner.Context = nil
		a.Object = embed(&inner)
	default:
		a.Object = embed(object)
	}
	a.To = StringRefs(PublicAddress)
	now := time.Now().UTC()
	a.Published = &now
	return a
}

// RenderDelete deletes objectUri. formerType is empty for actor deletes.
func (r *Renderer) RenderDelete(objectUri, formerType, actorUri string) *Activity {
	a := r.activity("deletes", "Delete", actorUri)
	if formerType == "" {
		a.Object = NewRef(objectUri)
	} else {
		a.Object = embed(&Object{Id: objectUri, Type: "Tombstone", FormerType: formerType})
	}
	a.To = StringRefs(PublicAddress)
	now := time.Now().UTC()
	a.Published = &now
	return a
}

// RenderFollow uses requestId when the Follow originated remotely.
func (r *Renderer) RenderFollow(follower, followee *domain.Actor, requestId string) *Activity {
	id := requestId
	if id == "" {
		id = r.FollowUri(follower.Id, followee.Id)
	}
	return &Activity{
		Context: Context,
		Id:      id,
		Type:    "Follow",
		Actor:   NewRef(r.ActorUriOf(follower)),
		Object:  NewRef(r.ActorUriOf(followee)),
	}
}

func (r *Renderer) RenderRelayFollow(relayId, actorUri string) *Activity {
	return &Activity{
		Context: Context,
		Id:      r.RelayFollowUri(relayId),
		Type:    "Follow",
		Actor:   NewRef(actorUri),
		Object:  NewRef(PublicAddress),
	}
}

func (r *Renderer) RenderAccept(object *Activity, actorUri string) *Activity {
	a := r.activity("accepts", "Accept", actorUri)
	a.Object = embed(stripContext(object))
	return a
}

func (r *Renderer) RenderReject(object *Activity, actorUri string) *Activity {
	a := r.activity("rejects", "Reject", actorUri)
	a.Object = embed(stripContext(object))
	return a
}

func (r *Renderer) RenderUndo(object *Activity, actorUri string) *Activity {
	a := r.activity("undos", "Undo", actorUri)
	a.Object = embed(stripContext(object))
	a.Published = object.Published
	return a
}

func (r *Renderer) RenderBlock(blocking *domain.Blocking, blockerUri, blockeeUri string) *Activity {
	return &Activity{
		Context: Context,
		Id:      r.BlockUri(blocking.Id),
		Type:    "Block",
		Actor:   NewRef(blockerUri),
		Object:  NewRef(blockeeUri),
	}
}

// RenderLike carries the reaction in content and _misskey_reaction. Custom
// emoji reactions (":name:") get an Emoji tag.
func (r *Renderer) RenderLike(reaction *domain.Reaction, actorUri, postUri string, emoji *domain.Emoji) *Activity {
	a := &Activity{
		Context:         Context,
		Id:              r.LikeUri(reaction.Id),
		Type:            "Like",
		Actor:           NewRef(actorUri),
		Object:          NewRef(postUri),
		Content:         reaction.Reaction,
		MisskeyReaction: reaction.Reaction,
	}
	if emoji != nil {
		updated := emoji.UpdatedAt
		a.Tag = []Tag{{
			Type:    "Emoji",
			Id:      r.base + "/emojis/" + emoji.Name,
			Name:    ":" + emoji.Name + ":",
			Icon:    &Image{Type: "Image", Url: emoji.Url},
			Updated: &updated,
		}}
	}
	return a
}

func (r *Renderer) RenderMove(actorUri, targetUri string) *Activity {
	a := r.activity("moves", "Move", actorUri)
	a.Object = NewRef(actorUri)
	a.Target = NewRef(targetUri)
	a.To = StringRefs(PublicAddress)
	return a
}

// RenderAdd and RenderRemove manage the featured collection.
func (r *Renderer) RenderAdd(actor *domain.Actor, postUri string) *Activity {
	a := r.activity("adds", "Add", r.ActorUri(actor.Id))
	a.Object = NewRef(postUri)
	a.Target = NewRef(r.FeaturedUri(actor.Id))
	return a
}

func (r *Renderer) RenderRemove(actor *domain.Actor, postUri string) *Activity {
	a := r.activity("removes", "Remove", r.ActorUri(actor.Id))
	a.Object = NewRef(postUri)
	a.Target = NewRef(r.FeaturedUri(actor.Id))
	return a
}

// RenderVote answers a remote poll with a reply naming the choice.
func (r *Renderer) RenderVote(vote *domain.PollVote, voter *domain.Actor, question *domain.Post, questionAuthorUri, choice string) *Activity {
	voterUri := r.ActorUriOf(voter)
	now := time.Now().UTC()
	note := &Object{
		Id:           r.base + "/users/" + voter.Id + "#votes/" + vote.Id,
		Type:         "Note",
		AttributedTo: NewRef(voterUri),
		To:           StringRefs(questionAuthorUri),
		InReplyTo:    NewRef(r.PostUriOf(question)),
		Name:         choice,
	}
	return &Activity{
		Context:   Context,
		Id:        r.base + "/users/" + voter.Id + "#votes/" + vote.Id + "/activity",
		Type:      "Create",
		Actor:     NewRef(voterUri),
		Object:    embed(note),
		To:        StringRefs(questionAuthorUri),
		Published: &now,
	}
}

func (r *Renderer) RenderCollection(id string, total int, items []any) *Collection {
	return &Collection{
		Context:      Context,
		Id:           id,
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: items,
	}
}
