package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/resolver"
	"github.com/deemkeen/fedengine/service"
)

// Job is the payload of an inbox job: the request exactly as received, so
// its signature can be checked by the worker.
type Job struct {
	Method     string      `json:"method"`
	Host       string      `json:"host"`
	Path       string      `json:"path"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// NewJob captures req. body is the already read request body.
func NewJob(req *http.Request, body []byte) *Job {
	return &Job{
		Method:     req.Method,
		Host:       req.Host,
		Path:       req.URL.RequestURI(),
		Header:     req.Header.Clone(),
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
}

// Request rebuilds the signed request.
func (j *Job) Request() (*http.Request, error) {
	req, err := http.NewRequest(j.Method, "https://"+j.Host+j.Path, bytes.NewReader(j.Body))
	if err != nil {
		return nil, err
	}
	req.Host = j.Host
	req.Header = j.Header.Clone()
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", j.Host)
	}
	return req, nil
}

// ErrSignature marks inbound requests whose signature could not be
// verified.
var ErrSignature = errors.New("signature verification failed")

type ProcessorDeps struct {
	Dispatcher *Dispatcher
	Resolver   *resolver.Resolver
	Cache      *cache.Service
	Service    *service.Service
	// LD verifies RsaSignature2017 proofs; nil disables the fallback.
	LD     *activitypub.LDSigner
	Logger *log.Logger
}

// Processor runs queued inbox jobs: it authenticates the sender and hands
// the activity to the Dispatcher.
type Processor struct {
	dispatcher *Dispatcher
	resolver   *resolver.Resolver
	cache      *cache.Service
	svc        *service.Service
	ld         *activitypub.LDSigner
	log        *log.Logger
}

func NewProcessor(d ProcessorDeps) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		dispatcher: d.Dispatcher,
		resolver:   d.Resolver,
		cache:      d.Cache,
		svc:        d.Service,
		ld:         d.LD,
		log:        logger.With("component", "inbox"),
	}
}

// Handle is the queue handler of the inbox class.
func (p *Processor) Handle(ctx context.Context, job *domain.Job) error {
	var in Job
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return domain.Permanent(fmt.Errorf("decoding inbox job: %w", err))
	}
	res, err := p.Process(ctx, &in)
	if err != nil {
		return err
	}
	p.log.Debug("inbox job done", "job", job.Id, "result", res)
	return nil
}

// Process authenticates in and dispatches its activity.
func (p *Processor) Process(ctx context.Context, in *Job) (Result, error) {
	req, err := in.Request()
	if err != nil {
		return Result{}, domain.Permanent(err)
	}
	keyId, err := activitypub.SignatureKeyId(req)
	if err != nil {
		return Result{}, domain.Permanent(fmt.Errorf("%w: %w", ErrSignature, err))
	}
	if p.resolver.IsBlocked(keyId) {
		return Skip("key %s is on a blocked instance", keyId), nil
	}
	a, err := activitypub.ParseActivity(in.Body)
	if err != nil {
		return Result{}, domain.Permanent(err)
	}
	actorUri := a.Actor.Id()
	if actorUri == "" {
		return Result{}, domain.Permanent(errors.New("activity without actor"))
	}
	if p.resolver.IsBlocked(actorUri) {
		return Skip("actor %s is on a blocked instance", actorUri), nil
	}

	signer, err := p.httpSigner(ctx, req, in.ReceivedAt, keyId, actorUri)
	if err != nil {
		return Result{}, err
	}
	if signer == nil || signer.Uri != actorUri {
		if signer, err = p.ldSigner(ctx, in.Body, a); err != nil {
			return Result{}, err
		}
	}
	if signer.Uri != actorUri {
		return Result{}, domain.Permanent(fmt.Errorf("%w: signed by %s on behalf of %s", ErrSignature, signer.Uri, actorUri))
	}
	if a.Id != "" {
		if h, err := activitypub.HostOf(a.Id); err != nil || h != signer.Host {
			return Result{}, domain.Permanent(fmt.Errorf("activity %s is not on the signer's host %s", a.Id, signer.Host))
		}
	}

	p.svc.RequestReceived(ctx, signer.Host)
	return p.dispatcher.HandleActivity(ctx, signer, a)
}

// httpSigner returns the actor whose key verifies the HTTP signature, or
// nil when it does not verify. A failing key is refreshed once in case it
// was rotated.
func (p *Processor) httpSigner(ctx context.Context, req *http.Request, receivedAt time.Time, keyId, actorUri string) (*domain.Actor, error) {
	signer, err := p.cache.GetActorByKeyId(ctx, keyId)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		if signer, err = p.resolver.ResolveActor(ctx, actorUri); err != nil {
			return nil, err
		}
	}
	if signer.KeyId != keyId {
		return nil, nil
	}
	if err := activitypub.CheckDate(req, receivedAt); err != nil {
		p.log.Debug("rejecting signature date", "keyId", keyId, "err", err)
		return nil, nil
	}
	if _, err := activitypub.VerifyRequest(req, signer.PublicKeyPem); err == nil {
		return signer, nil
	}
	if signer.IsLocal() {
		return nil, nil
	}

	refreshed, err := p.resolver.Refresh(ctx, signer, true)
	if err != nil {
		if domain.IsPermanent(err) {
			p.log.Debug("refreshing signer failed", "keyId", keyId, "err", err)
			return nil, nil
		}
		return nil, err
	}
	if refreshed == nil || refreshed.KeyId != keyId {
		return nil, nil
	}
	if _, err := activitypub.VerifyRequest(req, refreshed.PublicKeyPem); err != nil {
		p.log.Debug("http signature mismatch", "keyId", keyId, "err", err)
		return nil, nil
	}
	return refreshed, nil
}

// ldSigner verifies the linked-data signature embedded in body.
func (p *Processor) ldSigner(ctx context.Context, body []byte, a *activitypub.Activity) (*domain.Actor, error) {
	if a.Signature == nil || p.ld == nil {
		return nil, domain.Permanent(ErrSignature)
	}
	creator := a.Signature.Creator
	if creator == "" || p.resolver.IsBlocked(creator) {
		return nil, domain.Permanent(fmt.Errorf("%w: unusable ld signature creator %q", ErrSignature, creator))
	}
	signer, err := p.cache.GetActorByKeyId(ctx, creator)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		if signer, err = p.resolver.ResolveActor(ctx, activitypub.KeyOwner(creator)); err != nil {
			return nil, err
		}
	}
	if signer.KeyId != creator {
		return nil, domain.Permanent(fmt.Errorf("%w: %s does not own %s", ErrSignature, signer.Uri, creator))
	}
	pub, err := activitypub.ParsePublicKey(signer.PublicKeyPem)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("%w: %w", ErrSignature, err))
	}
	if err := p.ld.Verify(body, pub); err != nil {
		return nil, domain.Permanent(fmt.Errorf("%w: %w", ErrSignature, err))
	}
	return signer, nil
}
