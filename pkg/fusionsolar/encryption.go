package fusionsolar

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	encryptChunkSize = 270
	encryptSeparator = "00000001"
)

// encryptPassword encrypts the password the same way the portal javascript
// does: the URI-encoded password is split into chunks, each chunk encrypted
// with RSA-OAEP/SHA-384 and base64 encoded, and the chunks are joined with a
// separator. The key version is appended at the end.
func encryptPassword(pubKeyPEM, version, password string) (string, error) {
	block, _ := pem.Decode([]byte(pubKeyPEM))
	if block == nil {
		return "", errors.New("invalid public key pem")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("unexpected public key type %T", parsed)
	}

	value := encodeURIComponent(password)
	var sb strings.Builder
	for i := 0; i < len(value); i += encryptChunkSize {
		end := min(i+encryptChunkSize, len(value))
		encrypted, err := rsa.EncryptOAEP(sha512.New384(), rand.Reader, pub, []byte(value[i:end]), nil)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt password: %w", err)
		}
		if i > 0 {
			sb.WriteString(encryptSeparator)
		}
		sb.WriteString(base64.StdEncoding.EncodeToString(encrypted))
	}
	sb.WriteString(version)
	return sb.String(), nil
}

// encodeURIComponent escapes everything but the characters javascript's
// encodeURIComponent leaves alone.
func encodeURIComponent(s string) string {
	const upperhex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
			sb.WriteByte(b)
		case strings.IndexByte("-_.!~*'()", b) >= 0:
			sb.WriteByte(b)
		default:
			sb.WriteByte('%')
			sb.WriteByte(upperhex[b>>4])
			sb.WriteByte(upperhex[b&15])
		}
	}
	return sb.String()
}

// secureRandom returns 16 random bytes as hex, used as the login nonce.
func secureRandom() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
