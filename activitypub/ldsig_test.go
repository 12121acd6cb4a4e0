package activitypub

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/piprate/json-gold/ld"
)

// Trimmed contexts; enough for the terms the tests sign.
const (
	asContext = `{"@context": {
		"as": "https://www.w3.org/ns/activitystreams#",
		"xsd": "http://www.w3.org/2001/XMLSchema#",
		"id": "@id",
		"type": "@type",
		"Create": "as:Create",
		"Note": "as:Note",
		"actor": {"@id": "as:actor", "@type": "@id"},
		"object": {"@id": "as:object", "@type": "@id"},
		"attributedTo": {"@id": "as:attributedTo", "@type": "@id"},
		"to": {"@id": "as:to", "@type": "@id"},
		"cc": {"@id": "as:cc", "@type": "@id"},
		"content": "as:content",
		"published": {"@id": "as:published", "@type": "xsd:dateTime"}
	}}`
	securityContext = `{"@context": {
		"sec": "https://w3id.org/security#",
		"id": "@id",
		"type": "@type",
		"publicKey": {"@id": "sec:publicKey", "@type": "@id"}
	}}`
	identityContextDoc = `{"@context": {
		"dc": "http://purl.org/dc/terms/",
		"sec": "https://w3id.org/security#",
		"xsd": "http://www.w3.org/2001/XMLSchema#",
		"id": "@id",
		"type": "@type",
		"creator": {"@id": "dc:creator", "@type": "@id"},
		"created": {"@id": "dc:created", "@type": "xsd:dateTime"},
		"nonce": "sec:nonce",
		"domain": "sec:domain"
	}}`
)

func testLDSigner(t *testing.T) *LDSigner {
	t.Helper()
	loader := ld.NewCachingDocumentLoader(ld.NewDefaultDocumentLoader(nil))
	for url, doc := range map[string]string{
		"https://www.w3.org/ns/activitystreams": asContext,
		"https://w3id.org/security/v1":          securityContext,
		identityContext:                         identityContextDoc,
	} {
		var parsed any
		if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
			t.Fatalf("Bad fixture context %s: %v", url, err)
		}
		loader.AddDocument(url, parsed)
	}
	return NewLDSigner(loader)
}

func signedCreate(t *testing.T) []byte {
	t.Helper()
	r := testRenderer()
	post := &domain.Post{Id: "n1", UserId: "u1", Text: "signed text", Visibility: domain.VisibilityPublic, CreatedAt: time.Now()}
	note := r.RenderNote(post, &domain.Actor{Id: "u1", Username: "alice"}, NoteRefs{})
	raw, err := json.Marshal(r.RenderCreate(note, post))
	if err != nil {
		t.Fatalf("Failed to marshal create: %v", err)
	}
	return raw
}

func TestLDSignAndVerify(t *testing.T) {
	signer := testLDSigner(t)
	key, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	creator := "https://local.example/users/u1#main-key"
	signed, err := signer.Sign(signedCreate(t), key, creator)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	activity, err := ParseActivity(signed)
	if err != nil {
		t.Fatalf("Signed document no longer parses: %v", err)
	}
	if activity.Signature == nil || activity.Signature.Type != "RsaSignature2017" {
		t.Fatalf("Expected RsaSignature2017, got %+v", activity.Signature)
	}
	if activity.Signature.Creator != creator {
		t.Errorf("Expected creator '%s', got '%s'", creator, activity.Signature.Creator)
	}

	if err := signer.Verify(signed, &key.PublicKey); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestLDVerifyDetectsTampering(t *testing.T) {
	signer := testLDSigner(t)
	key, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	other, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	signed, err := signer.Sign(signedCreate(t), key, "https://local.example/users/u1#main-key")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	tampered := []byte(strings.Replace(string(signed), "signed text", "forged text", 1))
	if err := signer.Verify(tampered, &key.PublicKey); err == nil {
		t.Error("Expected tampered content to fail verification")
	}
	if err := signer.Verify(signed, &other.PublicKey); err == nil {
		t.Error("Expected verification with another key to fail")
	}
	if err := signer.Verify(signedCreate(t), &key.PublicKey); err == nil {
		t.Error("Expected unsigned document to fail verification")
	}
}
