// Package fedtest runs fake remote instances for federation tests. A Remote
// serves whatever objects a test puts on it over TLS and records every
// delivery it receives.
package fedtest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/util"
)

// Delivery is one POST the remote received.
type Delivery struct {
	Path   string
	Header http.Header
	Body   []byte
}

// Activity decodes the delivered body.
func (d Delivery) Activity() *activitypub.Activity {
	a, err := activitypub.ParseActivity(d.Body)
	if err != nil {
		return &activitypub.Activity{}
	}
	return a
}

type Remote struct {
	Server *httptest.Server

	mu       sync.Mutex
	objects  map[string][]byte
	statuses map[string]int
	fetches  map[string]int
	received []Delivery
}

func NewRemote(t testing.TB) *Remote {
	t.Helper()
	r := &Remote{
		objects:  map[string][]byte{},
		statuses: map[string]int{},
		fetches:  map[string]int{},
	}
	r.Server = httptest.NewTLSServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Server.Close)
	return r
}

func (r *Remote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch req.Method {
	case http.MethodGet:
		r.fetches[req.URL.Path]++
		if code, ok := r.statuses[req.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		body, ok := r.objects[req.URL.Path]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		_, _ = w.Write(body)
	case http.MethodPost:
		body, _ := io.ReadAll(req.Body)
		r.received = append(r.received, Delivery{Path: req.URL.Path, Header: req.Header.Clone(), Body: body})
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// URL returns the absolute https url of path on this remote.
func (r *Remote) URL(path string) string {
	return r.Server.URL + path
}

// Host is the remote's authority, port included.
func (r *Remote) Host() string {
	u, _ := url.Parse(r.Server.URL)
	return u.Host
}

// Client trusts the remote's test certificate.
func (r *Remote) Client() *http.Client {
	return r.Server.Client()
}

// Put serves v as JSON at path.
func (r *Remote) Put(path string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[path] = body
	delete(r.statuses, path)
}

// SetStatus makes every GET of path answer with code.
func (r *Remote) SetStatus(path string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[path] = code
}

func (r *Remote) Fetches(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[path]
}

func (r *Remote) Received() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.received...)
}

// Actor is a user living on a Remote, with the key it signs with.
type Actor struct {
	Uri    string
	KeyId  string
	Key    *rsa.PrivateKey
	Person *activitypub.Person
	remote *Remote
}

// NewActor publishes a Person called username at /users/{username}.
func (r *Remote) NewActor(t testing.TB, username string) *Actor {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pems, err := util.EncodeKeypair(key)
	if err != nil {
		t.Fatalf("Failed to encode key: %v", err)
	}
	uri := r.URL("/users/" + username)
	p := &activitypub.Person{
		Context:           activitypub.Context,
		Id:                uri,
		Type:              "Person",
		PreferredUsername: username,
		Name:              username,
		Inbox:             uri + "/inbox",
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Featured:          uri + "/collections/featured",
		Endpoints:         &activitypub.Endpoints{SharedInbox: r.URL("/inbox")},
		PublicKey: &activitypub.PublicKey{
			Id:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: pems.Public,
		},
	}
	a := &Actor{Uri: uri, KeyId: p.PublicKey.Id, Key: key, Person: p, remote: r}
	a.Publish()
	return a
}

// Publish serves the current state of the Person.
func (a *Actor) Publish() {
	path := a.Uri[len(a.remote.Server.URL):]
	a.remote.Put(path, a.Person)
}

// Note builds a public note attributed to a and serves it at
// /notes/{id}.
func (a *Actor) Note(id, content string) *activitypub.Object {
	published := time.Now().UTC().Truncate(time.Second)
	o := &activitypub.Object{
		Context:      activitypub.Context,
		Id:           a.remote.URL("/notes/" + id),
		Type:         "Note",
		AttributedTo: activitypub.NewRef(a.Uri),
		Content:      content,
		Published:    &published,
		To:           activitypub.StringRefs(activitypub.PublicAddress),
		Cc:           activitypub.StringRefs(a.Person.Followers),
	}
	a.remote.Put("/notes/"+id, o)
	return o
}

// Activity wraps object into an activity of typ sent by a.
func (a *Actor) Activity(id, typ string, object any) *activitypub.Activity {
	act := &activitypub.Activity{
		Context: activitypub.Context,
		Id:      a.remote.URL("/activities/" + id),
		Type:    activitypub.ObjectType(typ),
		Actor:   activitypub.NewRef(a.Uri),
		To:      activitypub.StringRefs(activitypub.PublicAddress),
	}
	switch v := object.(type) {
	case string:
		act.Object = activitypub.NewRef(v)
	default:
		ref, err := activitypub.EmbedRef(v)
		if err != nil {
			panic(err)
		}
		act.Object = ref
	}
	return act
}

// SignedPost builds a POST of body to target signed with a's key.
func (a *Actor) SignedPost(t testing.TB, target string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	if err := activitypub.SignPost(req, body, a.Key, a.KeyId); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}
