package web

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestWebfinger(t *testing.T) {
	f := setup(t)
	alice := f.local(t, "alice")
	aliceUri := "https://local.example/users/" + alice.Id

	tests := []struct {
		name     string
		resource string
		status   int
	}{
		{"acct", "acct:alice@local.example", http.StatusOK},
		{"acct with leading at", "acct:@alice@local.example", http.StatusOK},
		{"case insensitive", "acct:Alice@LOCAL.example", http.StatusOK},
		{"actor uri", aliceUri, http.StatusOK},
		{"other host", "acct:alice@remote.example", http.StatusNotFound},
		{"unknown user", "acct:nobody@local.example", http.StatusNotFound},
		{"foreign uri", "https://remote.example/users/alice", http.StatusNotFound},
		{"missing", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get("/.well-known/webfinger?resource=" + url.QueryEscape(tt.resource))
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/jrd+json") {
				t.Errorf("Expected jrd+json, got %s", ct)
			}
			var jrd JRD
			decode(t, w, &jrd)
			if jrd.Subject != "acct:alice@local.example" {
				t.Errorf("Expected subject acct:alice@local.example, got %s", jrd.Subject)
			}
			var self string
			for _, l := range jrd.Links {
				if l.Rel == "self" {
					self = l.Href
				}
			}
			if self != aliceUri {
				t.Errorf("Expected self link %s, got %s", aliceUri, self)
			}
		})
	}
}

func TestWebfingerNotFoundBody(t *testing.T) {
	f := setup(t)

	w := f.get("/.well-known/webfinger?resource=acct:ghost@local.example")
	if w.Body.String() != `{"detail":"Not Found"}` {
		t.Errorf("Expected not found detail, got %s", w.Body.String())
	}
}

func TestNodeInfo(t *testing.T) {
	f := setup(t)
	f.local(t, "alice")

	var links struct {
		Links []jrdLink `json:"links"`
	}
	decode(t, f.get("/.well-known/nodeinfo"), &links)
	if len(links.Links) != 1 || links.Links[0].Href != "https://local.example/nodeinfo/2.1" {
		t.Fatalf("Expected a link to the 2.1 document, got %+v", links.Links)
	}

	w := f.get("/nodeinfo/2.1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var info struct {
		Version  string `json:"version"`
		Software struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"software"`
		Protocols []string `json:"protocols"`
		Usage     struct {
			Users struct {
				Total int `json:"total"`
			} `json:"users"`
		} `json:"usage"`
		OpenRegistrations bool `json:"openRegistrations"`
	}
	decode(t, w, &info)
	if info.Version != "2.1" {
		t.Errorf("Expected version 2.1, got %s", info.Version)
	}
	if info.Software.Name != "fedengine" || info.Software.Version != "1.2.3" {
		t.Errorf("Expected fedengine 1.2.3, got %s %s", info.Software.Name, info.Software.Version)
	}
	if len(info.Protocols) != 1 || info.Protocols[0] != "activitypub" {
		t.Errorf("Expected activitypub protocol, got %v", info.Protocols)
	}
	if info.Usage.Users.Total < 1 {
		t.Errorf("Expected at least one user, got %d", info.Usage.Users.Total)
	}
	if info.OpenRegistrations {
		t.Error("Expected closed registrations")
	}
}
