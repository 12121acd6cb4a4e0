package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"
)

// generateTestKeyPair generates an RSA key pair for testing
func generateTestKeyPair() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, &privateKey.PublicKey, nil
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: keyBytes,
	})
	return string(keyPEM)
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(key *rsa.PublicKey) (string, error) {
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	})
	return string(keyPEM), nil
}

func TestParsePrivateKey(t *testing.T) {
	privateKey, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	parsed, err := ParsePrivateKey(privateKeyToPEM(privateKey))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	privateKey, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	pemString := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	parsed, err := ParsePrivateKey(pemString)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParseKeysRejectGarbage(t *testing.T) {
	for _, input := range []string{"", "not a valid PEM"} {
		if _, err := ParsePrivateKey(input); err == nil {
			t.Errorf("Expected error parsing private key %q", input)
		}
		if _, err := ParsePublicKey(input); err == nil {
			t.Errorf("Expected error parsing public key %q", input)
		}
	}
}

func TestParsePublicKey(t *testing.T) {
	_, publicKey, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	pemString, err := publicKeyToPEM(publicKey)
	if err != nil {
		t.Fatalf("Failed to convert public key to PEM: %v", err)
	}

	parsed, err := ParsePublicKey(pemString)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if parsed.N.Cmp(publicKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}

	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(publicKey)}))
	if _, err := ParsePublicKey(pkcs1); err != nil {
		t.Errorf("Expected PKCS#1 public key to parse, got %v", err)
	}
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	privateKey, publicKey, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	publicPEM, err := publicKeyToPEM(publicKey)
	if err != nil {
		t.Fatalf("Failed to convert public key to PEM: %v", err)
	}

	tests := []struct {
		name   string
		method string
		url    string
		body   []byte
	}{
		{"POST with body", "POST", "https://example.com/inbox", []byte(`{"type":"Create","object":{}}`)},
		{"GET without body", "GET", "https://example.com/users/alice", nil},
		{"POST to personal inbox", "POST", "https://example.com/users/bob/inbox", []byte(`{"type":"Follow"}`)},
	}

	keyId := "https://myserver.com/users/testuser#main-key"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, bytes.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}
			if tt.body != nil {
				err = SignPost(req, tt.body, privateKey, keyId)
			} else {
				err = SignGet(req, privateKey, keyId)
			}
			if err != nil {
				t.Fatalf("Signing failed: %v", err)
			}

			// Recreate the request as the receiving side sees it
			req2, err := http.NewRequest(tt.method, tt.url, bytes.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to recreate request: %v", err)
			}
			req2.Header = req.Header.Clone()

			parsed, err := SignatureKeyId(req2)
			if err != nil {
				t.Fatalf("SignatureKeyId failed: %v", err)
			}
			if parsed != keyId {
				t.Errorf("Expected keyId '%s', got '%s'", keyId, parsed)
			}

			verified, err := VerifyRequest(req2, publicPEM)
			if err != nil {
				t.Fatalf("VerifyRequest failed: %v", err)
			}
			if KeyOwner(verified) != "https://myserver.com/users/testuser" {
				t.Errorf("Expected owner 'https://myserver.com/users/testuser', got '%s'", KeyOwner(verified))
			}
		})
	}
}

func TestVerifyRequestWrongKey(t *testing.T) {
	privateKey1, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	_, publicKey2, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	publicPEM2, err := publicKeyToPEM(publicKey2)
	if err != nil {
		t.Fatalf("Failed to convert public key to PEM: %v", err)
	}

	body := []byte(`{"type":"Create"}`)
	req, _ := http.NewRequest("POST", "https://example.com/inbox", bytes.NewReader(body))
	if err := SignPost(req, body, privateKey1, "https://myserver.com/users/alice#main-key"); err != nil {
		t.Fatalf("SignPost failed: %v", err)
	}

	if _, err := VerifyRequest(req, publicPEM2); err == nil {
		t.Error("Expected verification to fail with the wrong key")
	}
}

func TestSignatureKeyIdWithoutHeader(t *testing.T) {
	req, _ := http.NewRequest("POST", "https://example.com/inbox", nil)
	if _, err := SignatureKeyId(req); err == nil {
		t.Error("Expected error for unsigned request")
	}
}

func TestVerifyDigest(t *testing.T) {
	body := []byte(`{"type":"Like"}`)
	if err := VerifyDigest(Digest(body), body); err != nil {
		t.Errorf("Expected matching digest, got %v", err)
	}
	if err := VerifyDigest(Digest(body), []byte(`{"type":"Undo"}`)); err == nil {
		t.Error("Expected mismatch for altered body")
	}
	if err := VerifyDigest("", body); err == nil {
		t.Error("Expected error for missing digest")
	}
	if err := VerifyDigest("MD5=abc", body); err == nil {
		t.Error("Expected error for unsupported algorithm")
	}
	lower := strings.Replace(Digest(body), "SHA-256", "sha-256", 1)
	if err := VerifyDigest(lower, body); err != nil {
		t.Errorf("Expected case-insensitive algorithm, got %v", err)
	}
}

func TestCheckDate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		date    string
		wantErr bool
	}{
		{"current", now.UTC().Format(http.TimeFormat), false},
		{"slightly old", now.Add(-30 * time.Minute).UTC().Format(http.TimeFormat), false},
		{"too old", now.Add(-2 * time.Hour).UTC().Format(http.TimeFormat), true},
		{"future", now.Add(2 * time.Hour).UTC().Format(http.TimeFormat), true},
		{"missing", "", true},
		{"garbage", "yesterday", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "https://example.com/inbox", nil)
			if tt.date != "" {
				req.Header.Set("Date", tt.date)
			}
			err := CheckDate(req, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckDate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
