package azure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// DPS accepts symmetric key tokens only with this key name.
const dpsKeyName = "registration"

// SASToken signs resourceURI with base64 key until expiry.
// keyName is optional.
func SASToken(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", errors.Annotate(err, "SAS key is not base64")
	}
	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}

// DeriveDeviceKey computes device key from enrollment group key.
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", errors.Annotate(err, "group key is not base64")
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
