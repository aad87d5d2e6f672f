package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const sasPrefix = "SharedAccessSignature "

var (
	// ErrInvalidToken is returned for tokens which cannot be parsed
	ErrInvalidToken = errors.New("invalid shared access signature")
	// ErrTokenExpired is returned for tokens past their expiry
	ErrTokenExpired = errors.New("shared access signature expired")
	// ErrSignatureMismatch is returned for tokens signed with a different key
	ErrSignatureMismatch = errors.New("shared access signature does not match")
)

// SASToken is a parsed shared access signature
type SASToken struct {
	Resource  string
	Signature string
	Expiry    time.Time
	KeyName   string
}

// NewSASToken returns a shared access signature for resource, signed with the base64
// encoded key. keyName is optional, device tokens have none.
func NewSASToken(resource, key, keyName string, expiry time.Time) (string, error) {
	signature, err := sign(resource, key, expiry.Unix())
	if err != nil {
		return "", err
	}
	values := []string{
		"sr=" + url.QueryEscape(resource),
		"sig=" + url.QueryEscape(signature),
		"se=" + strconv.FormatInt(expiry.Unix(), 10),
	}
	if len(keyName) > 0 {
		values = append(values, "skn="+url.QueryEscape(keyName))
	}
	return sasPrefix + strings.Join(values, "&"), nil
}

// ParseSASToken parses the value of an Authorization header
func ParseSASToken(s string) (SASToken, error) {
	token := SASToken{}
	if !strings.HasPrefix(s, sasPrefix) {
		return token, ErrInvalidToken
	}
	values, err := url.ParseQuery(strings.TrimPrefix(s, sasPrefix))
	if err != nil {
		return token, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	token.Resource = values.Get("sr")
	token.Signature = values.Get("sig")
	token.KeyName = values.Get("skn")
	expiry, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil || len(token.Resource) == 0 || len(token.Signature) == 0 {
		return token, ErrInvalidToken
	}
	token.Expiry = time.Unix(expiry, 0).UTC()
	return token, nil
}

// Verify checks that the token is signed with key and has not expired at now
func (t SASToken) Verify(key string, now time.Time) error {
	if !now.Before(t.Expiry) {
		return ErrTokenExpired
	}
	expected, err := sign(t.Resource, key, t.Expiry.Unix())
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

func sign(resource, key string, expiry int64) (string, error) {
	decodedKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("key is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, decodedKey)
	mac.Write([]byte(url.QueryEscape(resource) + "\n" + strconv.FormatInt(expiry, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// DeriveDeviceKey derives the base64 encoded key of a device from the hub's key
func DeriveDeviceKey(hubKey, deviceID string) (string, error) {
	decodedKey, err := base64.StdEncoding.DecodeString(hubKey)
	if err != nil {
		return "", fmt.Errorf("hub key is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, decodedKey)
	mac.Write([]byte(deviceID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
