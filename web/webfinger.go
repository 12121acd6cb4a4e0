package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/fedengine/domain"
	"github.com/gin-gonic/gin"
)

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

// JRD is a webfinger resource descriptor.
type JRD struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []jrdLink `json:"links"`
}

func webFingerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

// username extracts the local username from an acct: resource or from a
// local actor uri. ok is false for resources naming another host.
func (s *Server) username(resource string) (name string, byId bool, ok bool) {
	if acct, found := strings.CutPrefix(resource, "acct:"); found {
		user, host, hasHost := strings.Cut(strings.TrimPrefix(acct, "@"), "@")
		if hasHost && !strings.EqualFold(host, s.renderer.Host()) {
			return "", false, false
		}
		return user, false, user != ""
	}
	if id, found := s.renderer.LocalId("users", resource); found {
		return id, true, true
	}
	return "", false, false
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "resource is required"})
		return
	}
	name, byId, ok := s.username(resource)
	if !ok {
		webFingerNotFound(c)
		return
	}

	ctx := c.Request.Context()
	var (
		a   *domain.Actor
		err error
	)
	if byId {
		a, err = s.cache.GetActor(ctx, name)
	} else {
		a, err = s.db.ReadLocalActorByUsername(ctx, name)
	}
	if err != nil {
		s.abort(c, err)
		return
	}
	if a == nil || !a.IsLocal() || a.IsDeleted || a.IsSuspended {
		webFingerNotFound(c)
		return
	}

	uri := s.renderer.ActorUri(a.Id)
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, JRD{
		Subject: "acct:" + a.Username + "@" + s.renderer.Host(),
		Aliases: []string{uri},
		Links: []jrdLink{
			{Rel: "self", Type: "application/activity+json", Href: uri},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: s.renderer.Base() + "/@" + a.Username},
		},
	})
}

const nodeInfoSchema = "http://nodeinfo.diaspora.software/ns/schema/2.1"

func (s *Server) handleNodeInfoLinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []jrdLink{{Rel: nodeInfoSchema, Href: s.renderer.Base() + "/nodeinfo/2.1"}},
	})
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := s.db.CountLocalActors(ctx)
	if err != nil {
		s.abort(c, err)
		return
	}
	posts, err := s.db.CountLocalPosts(ctx)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.Header("Content-Type", `application/json; profile="`+nodeInfoSchema+`#"`)
	c.JSON(http.StatusOK, gin.H{
		"version": "2.1",
		"software": gin.H{
			"name":    "fedengine",
			"version": s.version,
		},
		"protocols": []string{"activitypub"},
		"services":  gin.H{"inbound": []string{}, "outbound": []string{}},
		"usage": gin.H{
			"users":      gin.H{"total": users},
			"localPosts": posts,
		},
		"openRegistrations": false,
		"metadata":          gin.H{"nodeName": s.renderer.Host()},
	})
}
