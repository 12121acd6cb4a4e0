package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/fedtest"
	"github.com/deemkeen/fedengine/util"
)

func signedJob(t *testing.T, signer *fedtest.Actor, a *activitypub.Activity) *Job {
	t.Helper()
	body, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Failed to encode activity: %v", err)
	}
	req := signer.SignedPost(t, "https://local.example/inbox", body)
	return NewJob(req, body)
}

func TestProcessorAcceptsSignedActivity(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	gina := f.local(t, "gina", false)
	alice := f.remote.NewActor(t, "alice")

	job := signedJob(t, alice, alice.Activity("f1", "Follow", f.uriOf(gina)))

	// the job survives the queue round trip
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Failed to encode job: %v", err)
	}
	if err := f.processor.Handle(ctx, &domain.Job{Id: 1, Class: "inbox", Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	sender, _ := f.store.ReadActorByUri(ctx, alice.Uri)
	if sender == nil {
		t.Fatal("Expected the signer to be stored")
	}
	following, _ := f.store.IsFollowing(ctx, sender.Id, gina.Id)
	if !following {
		t.Error("Expected alice to follow gina")
	}
	if !f.fanout.sent("Accept") {
		t.Error("Expected an Accept to be queued")
	}
	inst, _ := f.store.ReadInstanceByHost(ctx, f.remote.Host())
	if inst == nil || inst.LatestRequestReceivedAt == nil {
		t.Errorf("Expected instance liveness to be recorded, got %+v", inst)
	}
}

func TestProcessorRejectsForgedActor(t *testing.T) {
	f := setup(t, nil)
	gina := f.local(t, "gina", false)
	alice := f.remote.NewActor(t, "alice")
	mallory := f.remote.NewActor(t, "mallory")

	// mallory signs an activity claiming to be alice
	forged := alice.Activity("f2", "Follow", f.uriOf(gina))
	_, err := f.processor.Process(context.Background(), signedJob(t, mallory, forged))
	if err == nil || !errors.Is(err, ErrSignature) {
		t.Fatalf("Expected signature error, got %v", err)
	}
	if !domain.IsPermanent(err) {
		t.Error("Expected the failure to be permanent")
	}
}

func TestProcessorRejectsWrongKey(t *testing.T) {
	f := setup(t, nil)
	gina := f.local(t, "gina", false)
	alice := f.remote.NewActor(t, "alice")
	impostor := f.remote.NewActor(t, "impostor")
	impostor.KeyId = alice.KeyId

	job := signedJob(t, impostor, alice.Activity("f3", "Follow", f.uriOf(gina)))
	_, err := f.processor.Process(context.Background(), job)
	if !errors.Is(err, ErrSignature) || !domain.IsPermanent(err) {
		t.Fatalf("Expected permanent signature error, got %v", err)
	}
	if n := f.remote.Fetches("/users/alice"); n < 2 {
		t.Errorf("Expected the key to be refetched once, got %d fetches", n)
	}
}

func TestProcessorRejectsForeignActivityId(t *testing.T) {
	f := setup(t, nil)
	gina := f.local(t, "gina", false)
	alice := f.remote.NewActor(t, "alice")

	a := alice.Activity("f4", "Follow", f.uriOf(gina))
	a.Id = "https://elsewhere.example/activities/f4"
	_, err := f.processor.Process(context.Background(), signedJob(t, alice, a))
	if err == nil || !domain.IsPermanent(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
}

func TestProcessorDropsBlockedInstance(t *testing.T) {
	f := setup(t, &util.AppConfig{Federation: util.FederationConf{BlockedHosts: []string{"127.0.0.1"}}})
	gina := f.local(t, "gina", false)
	alice := f.remote.NewActor(t, "alice")

	res, err := f.processor.Process(context.Background(), signedJob(t, alice, alice.Activity("f5", "Follow", f.uriOf(gina))))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Skipped {
		t.Errorf("Expected skip, got %s", res)
	}
	if n := f.remote.Fetches("/users/alice"); n != 0 {
		t.Errorf("Expected no fetch from a blocked instance, got %d", n)
	}
}
