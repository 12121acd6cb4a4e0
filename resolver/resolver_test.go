package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/apclient"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/fedtest"
	"github.com/deemkeen/fedengine/service"
	"github.com/deemkeen/fedengine/util"
)

type fixture struct {
	resolver *Resolver
	store    *db.DB
	svc      *service.Service
	remote   *fedtest.Remote
}

func setup(t *testing.T, conf *util.AppConfig) *fixture {
	t.Helper()
	logger := log.New(io.Discard)
	store, err := db.Open(filepath.Join(t.TempDir(), "resolver.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if conf == nil {
		conf = &util.AppConfig{}
	}
	remote := fedtest.NewRemote(t)
	client := apclient.New(util.FederationConf{AllowPrivateNetwork: true}, apclient.WithHTTPClient(remote.Client()))
	caches := cache.NewService(store, cache.Options{Conf: util.CacheConf{MemorySize: 128, MemoryTTL: time.Minute}, Logger: logger})
	svc := service.New(service.Deps{
		DB:       store,
		Cache:    caches,
		Renderer: activitypub.NewRenderer("https://local.example"),
		Conf:     conf,
		Logger:   logger,
		KeyBits:  1024,
	})
	r := New(Deps{DB: store, Cache: caches, Service: svc, Fetcher: client, Conf: conf, Logger: logger})
	return &fixture{resolver: r, store: store, svc: svc, remote: remote}
}

func TestResolveActorIsIdempotent(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")
	alice.Person.Summary = "<p>hello &amp; welcome</p>"
	alice.Person.Attachment = []activitypub.PropertyValue{{Type: "PropertyValue", Name: "site", Value: "<a href=\"https://a.example\">a.example</a>"}}
	alice.Publish()

	first, err := f.resolver.ResolveActor(ctx, alice.Uri)
	if err != nil {
		t.Fatalf("ResolveActor failed: %v", err)
	}
	second, err := f.resolver.ResolveActor(ctx, alice.Uri)
	if err != nil {
		t.Fatalf("Second ResolveActor failed: %v", err)
	}
	if first.Id != second.Id {
		t.Errorf("Expected the same actor, got %s and %s", first.Id, second.Id)
	}
	if n := f.remote.Fetches("/users/alice"); n != 1 {
		t.Errorf("Expected 1 fetch, got %d", n)
	}
	if first.Host != f.remote.Host() || first.Username != "alice" {
		t.Errorf("Expected alice@%s, got %s", f.remote.Host(), first.Acct())
	}
	if first.Summary != "hello & welcome" {
		t.Errorf("Expected plain text summary, got %q", first.Summary)
	}
	if len(first.Fields) != 1 || first.Fields[0].Value != "a.example" {
		t.Errorf("Expected one stripped profile field, got %+v", first.Fields)
	}
	if first.KeyId != alice.KeyId {
		t.Errorf("Expected key id %s, got %s", alice.KeyId, first.KeyId)
	}

	inst, err := f.store.ReadInstanceByHost(ctx, f.remote.Host())
	if err != nil || inst == nil {
		t.Fatalf("Expected instance row, got %v (%v)", inst, err)
	}
	if inst.UsersCount != 1 {
		t.Errorf("Expected 1 user on the instance, got %d", inst.UsersCount)
	}
}

func TestResolveActorConcurrently(t *testing.T) {
	f := setup(t, nil)
	bob := f.remote.NewActor(t, "bob")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.resolver.ResolveActor(context.Background(), bob.Uri)
			errs[i] = err
			if a != nil {
				ids[i] = a.Id
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("Resolver %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("Expected every caller to get %s, got %s", ids[0], ids[i])
		}
	}
}

func TestResolveActorValidation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	carol := f.remote.NewActor(t, "carol")
	carol.Person.Inbox = "https://elsewhere.example/inbox"
	carol.Publish()
	_, err := f.resolver.ResolveActor(ctx, carol.Uri)
	if err == nil || !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error for foreign inbox, got %v", err)
	}

	dave := f.remote.NewActor(t, "dave")
	dave.Person.PreferredUsername = "not a name"
	dave.Publish()
	if _, err := f.resolver.ResolveActor(ctx, dave.Uri); !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error for bad username, got %v", err)
	}

	erin := f.remote.NewActor(t, "erin")
	erin.Person.Type = "Note"
	erin.Publish()
	if _, err := f.resolver.ResolveActor(ctx, erin.Uri); !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error for non-actor type, got %v", err)
	}

	f.remote.SetStatus("/users/gone", http.StatusGone)
	if _, err := f.resolver.ResolveActor(ctx, f.remote.URL("/users/gone")); !domain.IsPermanent(err) {
		t.Errorf("Expected 410 to be permanent, got %v", err)
	}
	f.remote.SetStatus("/users/flaky", http.StatusServiceUnavailable)
	if _, err := f.resolver.ResolveActor(ctx, f.remote.URL("/users/flaky")); err == nil || domain.IsPermanent(err) {
		t.Errorf("Expected 503 to be temporary, got %v", err)
	}
}

func TestBlockedHostIsNeverFetched(t *testing.T) {
	conf := &util.AppConfig{Federation: util.FederationConf{BlockedHosts: []string{"127.0.0.1"}}}
	f := setup(t, conf)
	mallory := f.remote.NewActor(t, "mallory")

	_, err := f.resolver.ResolveActor(context.Background(), mallory.Uri)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if !domain.IsPermanent(err) {
		t.Error("Blocked host errors must be permanent")
	}
	if n := f.remote.Fetches("/users/mallory"); n != 0 {
		t.Errorf("Expected no fetch, got %d", n)
	}
}

func TestLocalUris(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	local, err := f.svc.CreateLocalActor(ctx, "frank")
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}

	a, err := f.resolver.ResolveActor(ctx, "https://local.example/users/"+local.Id)
	if err != nil {
		t.Fatalf("ResolveActor failed: %v", err)
	}
	if a.Id != local.Id {
		t.Errorf("Expected %s, got %s", local.Id, a.Id)
	}
	if a.PrivateKeyPem != "" {
		t.Error("Resolved actors must not carry the private key")
	}

	_, err = f.resolver.ResolveActor(ctx, "https://local.example/users/unknown")
	if !errors.Is(err, ErrLocalObject) || !domain.IsPermanent(err) {
		t.Errorf("Expected permanent ErrLocalObject, got %v", err)
	}
	_, err = f.resolver.ResolvePost(ctx, activitypub.NewRef("https://local.example/notes/unknown"))
	if !errors.Is(err, ErrLocalObject) {
		t.Errorf("Expected ErrLocalObject for post, got %v", err)
	}
}

func TestResolvePostWithReplyAndMention(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")
	bob := f.remote.NewActor(t, "bob")

	parent := alice.Note("1", "<p>first</p>")
	reply := bob.Note("2", "<p>@alice<br>second #Go</p>")
	reply.InReplyTo = activitypub.NewRef(parent.Id)
	reply.Tag = []activitypub.Tag{
		{Type: "Mention", Href: alice.Uri, Name: "@alice"},
		{Type: "Hashtag", Name: "#Go"},
	}
	f.remote.Put("/notes/2", reply)

	p, err := f.resolver.ResolvePost(ctx, activitypub.NewRef(reply.Id))
	if err != nil {
		t.Fatalf("ResolvePost failed: %v", err)
	}
	if p.Text != "@alice\nsecond #Go" {
		t.Errorf("Expected converted text, got %q", p.Text)
	}
	if p.Visibility != domain.VisibilityPublic {
		t.Errorf("Expected public, got %s", p.Visibility)
	}
	if len(p.Tags) != 1 || p.Tags[0] != "go" {
		t.Errorf("Expected tag go, got %v", p.Tags)
	}

	stored, err := f.store.ReadPostByUri(ctx, parent.Id)
	if err != nil || stored == nil {
		t.Fatalf("Expected parent to be stored, got %v (%v)", stored, err)
	}
	if p.ReplyId != stored.Id {
		t.Errorf("Expected reply id %s, got %s", stored.Id, p.ReplyId)
	}
	if stored.RepliesCount != 1 {
		t.Errorf("Expected 1 reply on parent, got %d", stored.RepliesCount)
	}
	author, _ := f.store.ReadActorByUri(ctx, alice.Uri)
	if len(p.Mentions) != 1 || p.Mentions[0] != author.Id {
		t.Errorf("Expected mention of %s, got %v", author.Id, p.Mentions)
	}

	again, err := f.resolver.ResolvePost(ctx, activitypub.NewRef(reply.Id))
	if err != nil {
		t.Fatalf("Second ResolvePost failed: %v", err)
	}
	if again.Id != p.Id {
		t.Errorf("Expected the stored post, got %s", again.Id)
	}
	if n := f.remote.Fetches("/notes/2"); n != 1 {
		t.Errorf("Expected 1 fetch of the reply, got %d", n)
	}
}

func TestEmbeddedObjectTrustedOnlyFromOrigin(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")

	for _, tt := range []struct {
		id, origin, want string
	}{
		{"10", "evil.example", "served"},
		{"11", f.remote.Host(), "inline"},
	} {
		served := alice.Note(tt.id, "served")
		inline := *served
		inline.Content = "inline"
		ref, err := activitypub.EmbedRef(&inline)
		if err != nil {
			t.Fatalf("EmbedRef failed: %v", err)
		}
		p, err := f.resolver.ResolvePostFrom(ctx, ref, tt.origin)
		if err != nil {
			t.Fatalf("ResolvePostFrom(%s) failed: %v", tt.origin, err)
		}
		if p.Text != tt.want {
			t.Errorf("Origin %s: expected %q, got %q", tt.origin, tt.want, p.Text)
		}
	}
}

func TestAnonymousFetchRule(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")

	fetched := alice.Note("20", "no audience")
	fetched.To, fetched.Cc = nil, nil
	f.remote.Put("/notes/20", fetched)
	p, err := f.resolver.ResolvePost(ctx, activitypub.NewRef(fetched.Id))
	if err != nil {
		t.Fatalf("ResolvePost failed: %v", err)
	}
	if p.Visibility != domain.VisibilityPublic {
		t.Errorf("Expected a fetched object without audience to be public, got %s", p.Visibility)
	}

	inline := alice.Note("21", "delivered")
	inline.To, inline.Cc = nil, nil
	ref, _ := activitypub.EmbedRef(inline)
	_, err = f.resolver.ResolvePostFrom(ctx, ref, f.remote.Host())
	if !errors.Is(err, domain.ErrNoRecipients) || !domain.IsPermanent(err) {
		t.Errorf("Expected permanent ErrNoRecipients, got %v", err)
	}
}

func TestQuoteResolution(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")
	target := alice.Note("30", "quoted")

	tests := []struct {
		name      string
		id        string
		quote     string
		setup     func()
		wantQuote bool
		wantErr   bool
	}{
		{"resolvable", "31", target.Id, func() {}, true, false},
		{"gone quote is dropped", "32", f.remote.URL("/notes/missing"), func() {}, false, false},
		{"unavailable quote fails", "33", f.remote.URL("/notes/flaky"), func() {
			f.remote.SetStatus("/notes/flaky", http.StatusBadGateway)
		}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			n := alice.Note(tt.id, "quoting")
			n.MisskeyQuote = tt.quote
			f.remote.Put("/notes/"+tt.id, n)

			p, err := f.resolver.ResolvePost(ctx, activitypub.NewRef(n.Id))
			if tt.wantErr {
				if err == nil || domain.IsPermanent(err) {
					t.Fatalf("Expected temporary error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePost failed: %v", err)
			}
			if (p.QuoteId != "") != tt.wantQuote {
				t.Errorf("Expected quote=%v, got %q", tt.wantQuote, p.QuoteId)
			}
		})
	}
}

func TestPollReplyIsRecordedAsVote(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")
	bob := f.remote.NewActor(t, "bob")

	end := time.Now().Add(time.Hour).UTC()
	question := alice.Note("40", "pick one")
	question.Type = "Question"
	question.EndTime = &end
	question.OneOf = []activitypub.PollOption{{Type: "Note", Name: "yes"}, {Type: "Note", Name: "no"}}
	f.remote.Put("/notes/40", question)

	vote := bob.Note("41", "")
	vote.Name = "yes"
	vote.InReplyTo = activitypub.NewRef(question.Id)
	vote.To = activitypub.StringRefs(alice.Uri)
	vote.Cc = nil
	f.remote.Put("/notes/41", vote)

	_, err := f.resolver.ResolvePost(ctx, activitypub.NewRef(vote.Id))
	if !errors.Is(err, ErrRecordedAsVote) {
		t.Fatalf("Expected ErrRecordedAsVote, got %v", err)
	}
	if !domain.IsPermanent(err) {
		t.Errorf("Expected a recorded vote to be permanent, got %v", err)
	}
	q, _ := f.store.ReadPostByUri(ctx, question.Id)
	poll, err := f.store.ReadPoll(ctx, q.Id)
	if err != nil || poll == nil {
		t.Fatalf("Expected poll, got %v (%v)", poll, err)
	}
	if poll.Votes[0] != 1 || poll.Votes[1] != 0 {
		t.Errorf("Expected votes [1 0], got %v", poll.Votes)
	}
	if stored, _ := f.store.ReadPostByUri(ctx, vote.Id); stored != nil {
		t.Error("A vote must not be stored as a post")
	}
}

type recordingMoves struct {
	mu    sync.Mutex
	moved []string
}

func (m *recordingMoves) ProcessRemoteMove(_ context.Context, src *domain.Actor, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moved = append(m.moved, src.MovedToUri)
	return nil
}

func TestUpdateActorProcessesMoveOnce(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	moves := &recordingMoves{}
	f.resolver.SetMoveProcessor(moves)

	alice := f.remote.NewActor(t, "alice")
	if _, err := f.resolver.ResolveActor(ctx, alice.Uri); err != nil {
		t.Fatalf("ResolveActor failed: %v", err)
	}

	alice.Person.Name = "Alice Renamed"
	if err := f.resolver.UpdateActor(ctx, alice.Uri, alice.Person); err != nil {
		t.Fatalf("UpdateActor failed: %v", err)
	}
	if len(moves.moved) != 0 {
		t.Fatalf("Expected no move, got %v", moves.moved)
	}
	stored, _ := f.store.ReadActorByUri(ctx, alice.Uri)
	if stored.Name != "Alice Renamed" {
		t.Errorf("Expected updated name, got %q", stored.Name)
	}

	alice.Person.MovedTo = f.remote.URL("/users/alice2")
	if err := f.resolver.UpdateActor(ctx, alice.Uri, alice.Person); err != nil {
		t.Fatalf("UpdateActor failed: %v", err)
	}
	alice.Person.MovedTo = f.remote.URL("/users/alice3")
	if err := f.resolver.UpdateActor(ctx, alice.Uri, alice.Person); err != nil {
		t.Fatalf("UpdateActor failed: %v", err)
	}
	if len(moves.moved) != 1 || moves.moved[0] != f.remote.URL("/users/alice2") {
		t.Errorf("Expected one move to alice2, got %v", moves.moved)
	}

	forged := *alice.Person
	forged.Id = f.remote.URL("/users/someone")
	if err := f.resolver.UpdateActor(ctx, alice.Uri, &forged); !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error for mismatched id, got %v", err)
	}
}

type redirectingFetcher struct{}

func (redirectingFetcher) Fetch(_ context.Context, uri string) ([]byte, string, error) {
	return []byte(`{}`), "https://other.example/object", nil
}

func TestFetchRejectsCrossHostRedirect(t *testing.T) {
	f := setup(t, nil)
	f.resolver.fetcher = redirectingFetcher{}
	_, err := f.resolver.ResolveActor(context.Background(), "https://remote.example/users/x")
	if err == nil || !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestHtmlToText(t *testing.T) {
	f := setup(t, nil)
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"<p>one</p><p>two</p>", "one\n\ntwo"},
		{"a<br/>b<br>c", "a\nb\nc"},
		{`<a href="https://x.example">link</a> &lt;tag&gt;`, "link <tag>"},
		{"<script>alert(1)</script>text", "text"},
	}
	for _, tt := range tests {
		if got := f.resolver.htmlToText(tt.in); got != tt.want {
			t.Errorf("htmlToText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolutionCycleIsPermanent(t *testing.T) {
	f := setup(t, nil)
	alice := f.remote.NewActor(t, "alice")
	a := alice.Note("50", "a")
	b := alice.Note("51", "b")
	a.InReplyTo = activitypub.NewRef(b.Id)
	b.InReplyTo = activitypub.NewRef(a.Id)
	f.remote.Put("/notes/50", a)
	f.remote.Put("/notes/51", b)

	_, err := f.resolver.ResolvePost(context.Background(), activitypub.NewRef(a.Id))
	if err == nil || !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error for a reply cycle, got %v", err)
	}
}

func TestQuotedVoteIsDropped(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	alice := f.remote.NewActor(t, "alice")
	carol := f.remote.NewActor(t, "carol")

	end := time.Now().Add(time.Hour).UTC()
	question := alice.Note("60", "pick one")
	question.Type = "Question"
	question.EndTime = &end
	question.OneOf = []activitypub.PollOption{{Type: "Note", Name: "yes"}, {Type: "Note", Name: "no"}}
	f.remote.Put("/notes/60", question)

	vote := carol.Note("61", "")
	vote.Name = "no"
	vote.InReplyTo = activitypub.NewRef(question.Id)
	vote.To = activitypub.StringRefs(alice.Uri)
	vote.Cc = nil
	f.remote.Put("/notes/61", vote)

	n := carol.Note("62", "quoting a vote")
	n.MisskeyQuote = vote.Id
	f.remote.Put("/notes/62", n)

	p, err := f.resolver.ResolvePost(ctx, activitypub.NewRef(n.Id))
	if err != nil {
		t.Fatalf("ResolvePost failed: %v", err)
	}
	if p.QuoteId != "" {
		t.Errorf("Expected no quote, got %s", p.QuoteId)
	}
	q, _ := f.store.ReadPostByUri(ctx, question.Id)
	poll, _ := f.store.ReadPoll(ctx, q.Id)
	if poll == nil || poll.Votes[1] != 1 {
		t.Errorf("Expected the quoted vote to be counted, got %+v", poll)
	}
}

// slowFetcher delays every fetch so concurrent resolutions overlap.
type slowFetcher struct {
	next  Fetcher
	delay time.Duration
}

func (s slowFetcher) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	return s.next.Fetch(ctx, uri)
}

func TestConcurrentResolutionOfReplyCycle(t *testing.T) {
	f := setup(t, nil)
	alice := f.remote.NewActor(t, "alice")
	if _, err := f.resolver.ResolveActor(context.Background(), alice.Uri); err != nil {
		t.Fatalf("ResolveActor failed: %v", err)
	}
	a := alice.Note("70", "a")
	b := alice.Note("71", "b")
	a.InReplyTo = activitypub.NewRef(b.Id)
	b.InReplyTo = activitypub.NewRef(a.Id)
	f.remote.Put("/notes/70", a)
	f.remote.Put("/notes/71", b)
	f.resolver.fetcher = slowFetcher{next: f.resolver.fetcher, delay: 300 * time.Millisecond}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uri := range []string{a.Id, b.Id} {
		wg.Add(1)
		go func(i int, uri string) {
			defer wg.Done()
			_, errs[i] = f.resolver.ResolvePost(context.Background(), activitypub.NewRef(uri))
		}(i, uri)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Concurrent resolution of a reply cycle did not finish")
	}
	for i, err := range errs {
		if err == nil || !domain.IsPermanent(err) {
			t.Errorf("Resolution %d: expected permanent error, got %v", i, err)
		}
	}
	for _, uri := range []string{a.Id, b.Id} {
		if p, _ := f.store.ReadPostByUri(context.Background(), uri); p != nil {
			t.Errorf("Expected %s not to be stored", uri)
		}
	}
}
