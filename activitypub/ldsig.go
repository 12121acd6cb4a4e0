package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/piprate/json-gold/ld"
)

const ldSignatureType = "RsaSignature2017"

// identityContext is the context the signature options are normalized in.
const identityContext = "https://w3id.org/identity/v1"

// LDSignature is an embedded RsaSignature2017 proof.
type LDSignature struct {
	Type           string `json:"type"`
	Creator        string `json:"creator"`
	Domain         string `json:"domain,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
	Created        string `json:"created"`
	SignatureValue string `json:"signatureValue"`
}

// NewContextLoader returns a JSON-LD document loader that fetches each
// context once with client and keeps it for the process lifetime.
func NewContextLoader(client *http.Client) *ld.CachingDocumentLoader {
	return ld.NewCachingDocumentLoader(ld.NewDefaultDocumentLoader(client))
}

// LDSigner signs and verifies linked-data signatures over URDNA2015
// normalized documents.
type LDSigner struct {
	mu     sync.Mutex
	proc   *ld.JsonLdProcessor
	loader ld.DocumentLoader
}

func NewLDSigner(loader ld.DocumentLoader) *LDSigner {
	return &LDSigner{proc: ld.NewJsonLdProcessor(), loader: loader}
}

// Sign returns doc with a fresh signature attached. Any existing
// signature is replaced.
func (s *LDSigner) Sign(doc []byte, key *rsa.PrivateKey, creator string) ([]byte, error) {
	var data map[string]any
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	delete(data, "signature")

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	options := map[string]any{
		"type":    ldSignatureType,
		"creator": creator,
		"nonce":   hex.EncodeToString(nonce),
		"created": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}

	toBeSigned, err := s.verifyData(data, options)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256([]byte(toBeSigned))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	options["signatureValue"] = base64.StdEncoding.EncodeToString(sig)
	data["signature"] = options
	return json.Marshal(data)
}

// Verify checks the embedded signature against pub.
func (s *LDSigner) Verify(doc []byte, pub *rsa.PublicKey) error {
	var data map[string]any
	if err := json.Unmarshal(doc, &data); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	options, ok := data["signature"].(map[string]any)
	if !ok {
		return errors.New("document is not signed")
	}
	if options["type"] != ldSignatureType {
		return fmt.Errorf("unsupported signature type %v", options["type"])
	}
	value, _ := options["signatureValue"].(string)
	sig, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decoding signature value: %w", err)
	}

	toBeSigned, err := s.verifyData(data, options)
	if err != nil {
		return err
	}
	hash := sha256.Sum256([]byte(toBeSigned))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig); err != nil {
		return fmt.Errorf("linked data signature mismatch: %w", err)
	}
	return nil
}

func (s *LDSigner) verifyData(data, options map[string]any) (string, error) {
	opts := make(map[string]any, len(options))
	for k, v := range options {
		switch k {
		case "type", "id", "signatureValue":
		default:
			opts[k] = v
		}
	}
	opts["@context"] = identityContext

	doc := make(map[string]any, len(data))
	for k, v := range data {
		if k != "signature" {
			doc[k] = v
		}
	}

	optionsHash, err := s.normalizedHash(opts)
	if err != nil {
		return "", fmt.Errorf("normalizing signature options: %w", err)
	}
	docHash, err := s.normalizedHash(doc)
	if err != nil {
		return "", fmt.Errorf("normalizing document: %w", err)
	}
	return optionsHash + docHash, nil
}

func (s *LDSigner) normalizedHash(doc map[string]any) (string, error) {
	options := ld.NewJsonLdOptions("")
	options.Format = "application/n-quads"
	options.Algorithm = "URDNA2015"
	options.DocumentLoader = s.loader

	s.mu.Lock()
	normalized, err := s.proc.Normalize(doc, options)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	str, ok := normalized.(string)
	if !ok {
		return "", fmt.Errorf("unexpected normalization result %T", normalized)
	}
	hash := sha256.Sum256([]byte(str))
	return hex.EncodeToString(hash[:]), nil
}
