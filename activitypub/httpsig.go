package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// MaxClockSkew bounds how far a signed Date header may drift.
const MaxClockSkew = time.Hour

var postHeaders = []string{"(request-target)", "host", "date", "digest"}
var getHeaders = []string{"(request-target)", "host", "date"}

// Digest returns the SHA-256 Digest header value for body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

func prepare(req *http.Request) {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
}

// SignPost signs a POST over (request-target), host, date and the digest
// of body. keyId format: "https://example.com/users/<id>#main-key"
func SignPost(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	prepare(req)
	req.Header.Set("Digest", Digest(body))

	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, postHeaders, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// SignGet signs a body-less fetch.
func SignGet(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	prepare(req)

	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, getHeaders, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// SignatureKeyId parses the Signature header without verifying it.
func SignatureKeyId(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to parse signature: %w", err)
	}
	keyId := verifier.KeyId()
	if keyId == "" {
		return "", errors.New("signature without keyId")
	}
	return keyId, nil
}

// VerifyDigest checks a Digest header against body. Only SHA-256 is
// accepted.
func VerifyDigest(header string, body []byte) error {
	if header == "" {
		return errors.New("missing digest")
	}
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if "SHA-256="+value != Digest(body) {
			return errors.New("digest mismatch")
		}
		return nil
	}
	return fmt.Errorf("unsupported digest %q", header)
}

// CheckDate rejects signatures whose Date header is missing or too far
// from now.
func CheckDate(req *http.Request, now time.Time) error {
	raw := req.Header.Get("Date")
	if raw == "" {
		return errors.New("missing date header")
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("invalid date header: %w", err)
	}
	if skew := now.Sub(date); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("date header off by %s", skew.Round(time.Second))
	}
	return nil
}

// VerifyRequest verifies the HTTP signature on an incoming request and
// returns the keyId that signed it.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return verifier.KeyId(), nil
}

// KeyOwner strips the fragment from a keyId.
func KeyOwner(keyId string) string {
	owner, _, _ := strings.Cut(keyId, "#")
	return owner
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 PEM.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey accepts PKIX and PKCS#1 PEM.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}
