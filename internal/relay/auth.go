// ABOUTME: Challenge signing for relay authentication.
// ABOUTME: HMAC-SHA256 over challenge:timestamp, or ed25519 via an OpenSSH key.

package relay

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// signHMAC computes the hex HMAC-SHA256 signature over
// "challenge:timestamp" with the hex-encoded enrollment secret. The
// relay verifies it without the secret crossing the wire.
func signHMAC(secretHex, challenge string, timestamp int64) (string, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("decoding connector secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s:%d", challenge, timestamp)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// signWithKey signs "challenge:timestamp" with the ed25519 private key
// at path (OpenSSH format) and returns the base64 signature.
func signWithKey(path, challenge string, timestamp int64) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading private key: %w", err)
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}

	key, ok := raw.(*ed25519.PrivateKey)
	if !ok {
		return "", fmt.Errorf("unsupported key type %T, want ed25519", raw)
	}

	message := fmt.Sprintf("%s:%d", challenge, timestamp)
	sig := ed25519.Sign(*key, []byte(message))
	return base64.StdEncoding.EncodeToString(sig), nil
}
