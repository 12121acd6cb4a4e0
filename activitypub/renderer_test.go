package activitypub

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

func testRenderer() *Renderer {
	return NewRenderer("https://local.example/")
}

func TestRendererUris(t *testing.T) {
	r := testRenderer()
	tests := []struct {
		got  string
		want string
	}{
		{r.ActorUri("u1"), "https://local.example/users/u1"},
		{r.InboxUri("u1"), "https://local.example/users/u1/inbox"},
		{r.SharedInboxUri(), "https://local.example/inbox"},
		{r.FollowersUri("u1"), "https://local.example/users/u1/followers"},
		{r.FeaturedUri("u1"), "https://local.example/users/u1/collections/featured"},
		{r.KeyId("u1"), "https://local.example/users/u1#main-key"},
		{r.NoteUri("n1"), "https://local.example/notes/n1"},
		{r.NoteActivityUri("n1"), "https://local.example/notes/n1/activity"},
		{r.FollowUri("a", "b"), "https://local.example/follows/a/b"},
		{r.BlockUri("b1"), "https://local.example/blocks/b1"},
		{r.LikeUri("l1"), "https://local.example/likes/l1"},
		{r.RelayFollowUri("r1"), "https://local.example/activities/follow-relay/r1"},
		{r.ActivityUri("undos", "x"), "https://local.example/undos/x"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected '%s', got '%s'", tt.want, tt.got)
		}
	}
	if r.Host() != "local.example" {
		t.Errorf("Expected host 'local.example', got '%s'", r.Host())
	}
}

func TestParseLocalUris(t *testing.T) {
	r := testRenderer()

	follower, followee, ok := r.ParseFollowUri("https://local.example/follows/a/b")
	if !ok || follower != "a" || followee != "b" {
		t.Errorf("Expected (a, b), got (%s, %s, %v)", follower, followee, ok)
	}
	if _, _, ok := r.ParseFollowUri("https://remote.example/follows/a/b"); ok {
		t.Error("Expected foreign follow id to be rejected")
	}
	if _, _, ok := r.ParseFollowUri("https://local.example/follows/a"); ok {
		t.Error("Expected truncated follow id to be rejected")
	}

	relay, ok := r.ParseRelayFollowUri("https://local.example/activities/follow-relay/r1")
	if !ok || relay != "r1" {
		t.Errorf("Expected relay r1, got %s", relay)
	}

	id, ok := r.LocalId("users", "https://local.example/users/u1")
	if !ok || id != "u1" {
		t.Errorf("Expected user u1, got %s", id)
	}
	if _, ok := r.LocalId("users", "https://local.example/users/u1/followers"); ok {
		t.Error("Expected nested path to be rejected")
	}
}

func TestRenderPerson(t *testing.T) {
	r := testRenderer()
	a := &domain.Actor{
		Id:           "u1",
		Username:     "alice",
		Name:         "Alice",
		PublicKeyPem: "PEM",
		IsLocked:     true,
		Fields:       []domain.ProfileField{{Name: "site", Value: "https://alice.example"}},
		AlsoKnownAs:  []string{"https://old.example/users/alice"},
		CreatedAt:    time.Now(),
	}
	p := r.RenderPerson(a)

	if p.Id != "https://local.example/users/u1" || p.TypeName() != "Person" {
		t.Errorf("Unexpected person id/type: %s %s", p.Id, p.TypeName())
	}
	if p.PublicKey.Id != "https://local.example/users/u1#main-key" || p.PublicKey.Owner != p.Id {
		t.Errorf("Unexpected public key block: %+v", p.PublicKey)
	}
	if p.SharedInboxUrl() != "https://local.example/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", p.SharedInboxUrl())
	}
	if !p.ManuallyApprovesFollowers {
		t.Error("Expected locked actor to require approval")
	}
	if len(p.Attachment) != 1 || p.Attachment[0].Type != "PropertyValue" {
		t.Errorf("Expected PropertyValue attachment, got %+v", p.Attachment)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Failed to marshal person: %v", err)
	}
	if strings.Contains(string(raw), "privateKey") {
		t.Error("Private key must never be rendered")
	}
}

func TestRenderNoteAndCreate(t *testing.T) {
	r := testRenderer()
	author := &domain.Actor{Id: "u1", Username: "alice"}
	post := &domain.Post{
		Id:         "n1",
		UserId:     "u1",
		Text:       "hello <world>\nline two",
		Visibility: domain.VisibilityPublic,
		Tags:       []string{"go"},
		CreatedAt:  time.Now(),
	}
	note := r.RenderNote(post, author, NoteRefs{
		ReplyUri:    "https://remote.example/notes/9",
		QuoteUri:    "https://remote.example/notes/8",
		MentionUris: []string{"https://remote.example/users/bob"},
	})

	if note.Id != "https://local.example/notes/n1" {
		t.Errorf("Expected note uri, got '%s'", note.Id)
	}
	if note.Content != "<p>hello &lt;world&gt;<br>line two</p>" {
		t.Errorf("Unexpected content '%s'", note.Content)
	}
	if note.InReplyTo.Id() != "https://remote.example/notes/9" || note.MisskeyQuote != "https://remote.example/notes/8" {
		t.Error("Expected reply and quote references")
	}
	if got := note.To.Ids(); len(got) != 1 || got[0] != PublicAddress {
		t.Errorf("Expected public to, got %v", got)
	}
	if len(note.Tag) != 2 {
		t.Errorf("Expected mention and hashtag tags, got %+v", note.Tag)
	}

	create := r.RenderCreate(note, post)
	if create.Id != "https://local.example/notes/n1/activity" || create.Kind() != KindCreate {
		t.Errorf("Unexpected create %s %s", create.Id, create.Kind())
	}
	if create.Actor.Id() != r.ActorUri("u1") {
		t.Errorf("Expected actor %s, got %s", r.ActorUri("u1"), create.Actor.Id())
	}
	var inner Object
	if err := create.Object.Decode(&inner); err != nil {
		t.Fatalf("Failed to decode embedded note: %v", err)
	}
	if inner.Context != nil {
		t.Error("Embedded note must not carry its own @context")
	}
}

func TestRenderQuestion(t *testing.T) {
	r := testRenderer()
	expires := time.Now().Add(time.Hour)
	post := &domain.Post{Id: "n2", UserId: "u1", Visibility: domain.VisibilityHome, HasPoll: true, CreatedAt: time.Now()}
	poll := &domain.Poll{PostId: "n2", Choices: []string{"yes", "no"}, Votes: []int{3, 1}, ExpiresAt: &expires}

	q := r.RenderNote(post, &domain.Actor{Id: "u1", Username: "alice"}, NoteRefs{Poll: poll})
	if q.TypeName() != "Question" || len(q.OneOf) != 2 {
		t.Fatalf("Expected single-choice question, got %s with %d options", q.TypeName(), len(q.OneOf))
	}
	if q.OneOf[0].Replies.TotalItems != 3 {
		t.Errorf("Expected 3 votes, got %d", q.OneOf[0].Replies.TotalItems)
	}
	if q.Closed != nil {
		t.Error("Open poll must not be closed")
	}
}

func TestRenderFollowAcceptUndo(t *testing.T) {
	r := testRenderer()
	local := &domain.Actor{Id: "u1", Username: "alice"}
	remote := &domain.Actor{Id: "u2", Username: "bob", Host: "remote.example", Uri: "https://remote.example/users/bob"}

	follow := r.RenderFollow(local, remote, "")
	if follow.Id != "https://local.example/follows/u1/u2" {
		t.Errorf("Expected minted follow id, got '%s'", follow.Id)
	}
	if follow.Object.Id() != remote.Uri {
		t.Errorf("Expected followee uri, got '%s'", follow.Object.Id())
	}

	incoming := r.RenderFollow(remote, local, "https://remote.example/follows/1")
	if incoming.Id != "https://remote.example/follows/1" {
		t.Errorf("Expected remote request id to be kept, got '%s'", incoming.Id)
	}

	accept := r.RenderAccept(incoming, r.ActorUri(local.Id))
	if !strings.HasPrefix(accept.Id, "https://local.example/accepts/") {
		t.Errorf("Unexpected accept id '%s'", accept.Id)
	}
	if accept.Object.Type() != "Follow" || accept.Object.Id() != incoming.Id {
		t.Errorf("Expected embedded Follow, got %s %s", accept.Object.Type(), accept.Object.Id())
	}

	undo := r.RenderUndo(follow, r.ActorUri(local.Id))
	if !strings.HasPrefix(undo.Id, "https://local.example/undos/") || undo.Object.Id() != follow.Id {
		t.Errorf("Unexpected undo %s -> %s", undo.Id, undo.Object.Id())
	}
}

func TestRenderDeleteAndMove(t *testing.T) {
	r := testRenderer()

	del := r.RenderDelete("https://local.example/notes/n1", "Note", r.ActorUri("u1"))
	if del.Object.Type() != "Tombstone" {
		t.Errorf("Expected Tombstone, got '%s'", del.Object.Type())
	}
	var tomb Object
	if err := del.Object.Decode(&tomb); err != nil || tomb.FormerType != "Note" {
		t.Errorf("Expected formerType Note, got %+v (%v)", tomb, err)
	}

	selfDelete := r.RenderDelete(r.ActorUri("u1"), "", r.ActorUri("u1"))
	if selfDelete.Object.IsEmbedded() || selfDelete.Object.Id() != r.ActorUri("u1") {
		t.Error("Expected actor delete to reference the actor uri")
	}

	move := r.RenderMove(r.ActorUri("u1"), "https://new.example/users/alice")
	if move.Object.Id() != r.ActorUri("u1") || move.Target.Id() != "https://new.example/users/alice" {
		t.Errorf("Unexpected move %+v", move)
	}
}

func TestRenderLikeWithCustomEmoji(t *testing.T) {
	r := testRenderer()
	reaction := &domain.Reaction{Id: "l1", UserId: "u1", PostId: "n1", Reaction: ":blob:"}
	emoji := &domain.Emoji{Name: "blob", Url: "https://local.example/files/blob.png"}

	like := r.RenderLike(reaction, r.ActorUri("u1"), "https://remote.example/notes/1", emoji)
	if like.Id != "https://local.example/likes/l1" || like.MisskeyReaction != ":blob:" {
		t.Errorf("Unexpected like %s %s", like.Id, like.MisskeyReaction)
	}
	if len(like.Tag) != 1 || like.Tag[0].Type != "Emoji" || like.Tag[0].Icon.Url != emoji.Url {
		t.Errorf("Expected emoji tag, got %+v", like.Tag)
	}
}
