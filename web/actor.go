package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/deemkeen/fedengine/domain"
	"github.com/gin-gonic/gin"
)

// localActor loads the local actor behind the :id path parameter.
// Deleted and suspended accounts are reported as gone.
func (s *Server) localActor(c *gin.Context) (*domain.Actor, bool) {
	a, err := s.cache.GetActor(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return nil, false
	}
	if a == nil || !a.IsLocal() {
		s.abort(c, fmt.Errorf("actor %s: %w", c.Param("id"), domain.ErrNotFound))
		return nil, false
	}
	if a.IsDeleted || a.IsSuspended {
		c.JSON(http.StatusGone, gin.H{"error": "Gone"})
		return nil, false
	}
	return a, true
}

func (s *Server) handleActor(c *gin.Context) {
	a, ok := s.localActor(c)
	if !ok {
		return
	}
	renderActivity(c, http.StatusOK, s.renderer.RenderPerson(a))
}

func (s *Server) handleNote(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.db.ReadPostById(ctx, c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	if p == nil || p.IsDeleted || !p.IsLocal() || p.IsPureRenote() {
		s.abort(c, domain.ErrNotFound)
		return
	}
	// only what an anonymous viewer may see is served
	visible, err := s.svc.PostVisibleTo(ctx, p, nil)
	if err != nil {
		s.abort(c, err)
		return
	}
	if !visible {
		s.abort(c, domain.ErrNotFound)
		return
	}
	note, err := s.svc.RenderPost(ctx, p)
	if err != nil {
		s.abort(c, err)
		return
	}
	renderActivity(c, http.StatusOK, note)
}

// The collections only carry their totals; items are not paged out.

func (s *Server) handleOutbox(c *gin.Context) {
	a, ok := s.localActor(c)
	if !ok {
		return
	}
	renderActivity(c, http.StatusOK, s.renderer.RenderCollection(s.renderer.OutboxUri(a.Id), a.NotesCount, nil))
}

func (s *Server) handleFollowers(c *gin.Context) {
	a, ok := s.localActor(c)
	if !ok {
		return
	}
	renderActivity(c, http.StatusOK, s.renderer.RenderCollection(s.renderer.FollowersUri(a.Id), a.FollowersCount, nil))
}

func (s *Server) handleFollowing(c *gin.Context) {
	a, ok := s.localActor(c)
	if !ok {
		return
	}
	renderActivity(c, http.StatusOK, s.renderer.RenderCollection(s.renderer.FollowingUri(a.Id), a.FollowingCount, nil))
}

// handleFeatured lists the pinned posts of the actor that are public.
func (s *Server) handleFeatured(c *gin.Context) {
	a, ok := s.localActor(c)
	if !ok {
		return
	}
	items, err := s.pinnedUris(c.Request.Context(), a)
	if err != nil {
		s.abort(c, err)
		return
	}
	renderActivity(c, http.StatusOK, s.renderer.RenderCollection(s.renderer.FeaturedUri(a.Id), len(items), items))
}

func (s *Server) pinnedUris(ctx context.Context, a *domain.Actor) ([]any, error) {
	ids, err := s.db.ReadPinnedPostIds(ctx, a.Id)
	if err != nil {
		return nil, err
	}
	items := []any{}
	for _, id := range ids {
		p, err := s.db.ReadPostById(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil || p.IsDeleted {
			continue
		}
		if visible, err := s.svc.PostVisibleTo(ctx, p, nil); err != nil {
			return nil, err
		} else if !visible {
			continue
		}
		items = append(items, s.renderer.PostUriOf(p))
	}
	return items, nil
}
