package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// TURNCredentials is the time-limited username/credential pair the relay
// mints for the TURN/STUN server. The TURN secret itself never leaves
// this package.
type TURNCredentials struct {
	Username string
	Password string
	TTL      time.Duration
}

// MintTURNCredentials builds a REST-API-style TURN credential pair:
// username = "<unix-expiry>:<whisperId>", password = base64(HMAC-SHA1(secret, username)).
func MintTURNCredentials(secret, whisperID string, ttl time.Duration, now time.Time) TURNCredentials {
	expiry := now.Add(ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, whisperID)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return TURNCredentials{
		Username: username,
		Password: password,
		TTL:      ttl,
	}
}
