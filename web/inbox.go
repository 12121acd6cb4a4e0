package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/inbox"
	"github.com/deemkeen/fedengine/queue"
	"github.com/gin-gonic/gin"
)

// handleInbox accepts a signed activity and queues it. Nothing is
// dispatched here: the signature is only parsed, verification runs in the
// inbox worker.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.Status(http.StatusBadRequest)
		return
	}

	keyId, err := activitypub.SignatureKeyId(c.Request)
	if err != nil {
		s.log.Debug("inbox request without usable signature", "ip", c.ClientIP(), "err", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Signature required"})
		return
	}
	if err := activitypub.VerifyDigest(c.GetHeader("Digest"), body); err != nil {
		s.log.Debug("inbox digest rejected", "keyId", keyId, "err", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid digest"})
		return
	}
	if s.resolver.IsBlocked(keyId) {
		s.log.Debug("dropping delivery from blocked instance", "keyId", keyId)
		c.Status(http.StatusAccepted)
		return
	}

	job := inbox.NewJob(c.Request, body)
	if _, err := s.queue.Enqueue(c.Request.Context(), queue.ClassInbox, keyId, job, queue.Options{}); err != nil {
		s.abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
