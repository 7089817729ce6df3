/**
 * @description
 * Pure request-construction helpers for the Daraja API: phone normalization,
 * amount validation, password derivation, timestamp formatting, reference
 * generation and the B2C security credential. None of these functions perform
 * I/O; they are the codec layer every operation payload is built from.
 *
 * @dependencies
 * - crypto/rand, crypto/rsa, crypto/x509, encoding/base64, encoding/pem: For
 *   reference randomness and security credential encryption.
 * - fmt, math, strings, time: Standard Go libraries.
 */

package daraja

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// MinAmount and MaxAmount are the provider-imposed bounds for a single
	// transaction, in whole KES.
	MinAmount = 1
	MaxAmount = 70000

	timestampLayout = "20060102150405" // YYYYMMDDHHmmss
)

// FormatPhoneNumber normalizes a Kenyan phone number to the 254XXXXXXXXX form
// Daraja expects. Accepted inputs are local (07XXXXXXXX / 01XXXXXXXX), bare
// subscriber (7XXXXXXXX / 1XXXXXXXX) and international (+2547XXXXXXXX). The
// function is idempotent: an already-normalized number passes through unchanged.
func FormatPhoneNumber(phoneNumber string) (string, error) {
	var b strings.Builder
	for _, r := range phoneNumber {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "0"):
		cleaned = "254" + cleaned[1:]
	case strings.HasPrefix(cleaned, "7"), strings.HasPrefix(cleaned, "1"):
		cleaned = "254" + cleaned
	}

	if !isCanonicalMsisdn(cleaned) {
		return "", ErrInvalidPhoneNumber
	}
	return cleaned, nil
}

// isCanonicalMsisdn reports whether s matches 254[17] followed by exactly
// eight digits.
func isCanonicalMsisdn(s string) bool {
	if len(s) != 12 || !strings.HasPrefix(s, "254") {
		return false
	}
	if s[3] != '7' && s[3] != '1' {
		return false
	}
	for i := 4; i < 12; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateAmount checks the provider bounds and returns the whole-KES value
// that will be transmitted. Bounds apply to the raw amount, so 70000.4 is
// over the ceiling and 0.5 is under the floor; only an in-range fractional
// amount is rounded to the nearest shilling, since Daraja accepts integers.
func ValidateAmount(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, ErrAmountOutOfRange
	}
	if amount < MinAmount || amount > MaxAmount {
		return 0, ErrAmountOutOfRange
	}
	return int64(math.Round(amount)), nil
}

// GeneratePassword derives the STK push password per the Daraja scheme:
// base64(shortcode + passkey + timestamp). Deterministic for a given input
// triple; the caller must never log the passkey.
func GeneratePassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// GenerateTimestamp formats t in the fixed-width YYYYMMDDHHmmss form Daraja
// requires. A fresh timestamp must be generated for every signed request.
func GenerateTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateReference builds a transaction reference of the form
// {prefix}{timestamp}{6 random chars}. The random suffix comes from
// crypto/rand, making collisions within the same second overwhelmingly
// unlikely.
func GenerateReference(prefix string, now time.Time) string {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing means the process is in serious trouble; fall
		// back to a time-derived suffix rather than panicking mid-payment.
		nanos := now.UnixNano()
		for i := range suffix {
			suffix[i] = referenceAlphabet[int(nanos>>(uint(i)*6))%len(referenceAlphabet)]
		}
	} else {
		for i, c := range suffix {
			suffix[i] = referenceAlphabet[int(c)%len(referenceAlphabet)]
		}
	}
	return prefix + GenerateTimestamp(now) + string(suffix)
}

// SecurityCredential produces the encrypted credential required by B2C-family
// operations. A pre-encrypted value (issued through the Daraja portal) is used
// verbatim when configured. Otherwise the initiator password is encrypted
// with RSA PKCS#1 v1.5 against the provider's public certificate and
// base64-encoded.
func SecurityCredential(preEncrypted, initiatorPassword string, certificatePEM []byte) (string, error) {
	if strings.TrimSpace(preEncrypted) != "" {
		return strings.TrimSpace(preEncrypted), nil
	}
	if strings.TrimSpace(initiatorPassword) == "" || len(certificatePEM) == 0 {
		return "", ErrSecurityCredentialUnavailable
	}

	block, _ := pem.Decode(certificatePEM)
	if block == nil {
		return "", fmt.Errorf("security credential: provider certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("security credential: parse provider certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("security credential: provider certificate does not carry an RSA key")
	}

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(initiatorPassword))
	if err != nil {
		return "", fmt.Errorf("security credential: encrypt initiator password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}
