package anonymize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"golang.org/x/net/idna"
)

// RFC 5321 limits, in octets.
const (
	maxEmailLength     = 254
	maxLocalPartLength = 64
)

// domainProfile is the IDNA lookup profile with DNS length checks, which
// bound labels to 63 and names to 253 octets.
var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.VerifyDNSLength(true),
)

// AgeGroup returns the decade bucket "[X-Y]" of a person born on birthday,
// with age measured in completed years at now.
func AgeGroup(birthday, now time.Time) (string, error) {
	by, bm, bd := birthday.Date()
	ny, nm, nd := now.UTC().Date()
	born := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	if born.After(today) {
		return "", errors.New("birthday is in the future")
	}

	age := ny - by
	if nm < bm || (nm == bm && nd < bd) {
		age--
	}

	lower := age / 10 * 10
	return fmt.Sprintf("[%d-%d]", lower, lower+10), nil
}

// EmailDomain validates email as a plain addr-spec and returns its domain in
// lower-case ASCII form. Display names, quoted local parts, IP literals and
// single-label hosts are rejected. Errors never contain the address.
func EmailDomain(email string) (string, error) {
	if email == "" {
		return "", errors.New("empty email")
	}
	if len(email) > maxEmailLength || !govalidator.StringLength(email, "3", "254") {
		return "", errors.New("address length out of range")
	}
	if !govalidator.IsEmail(email) {
		return "", errors.New("malformed address")
	}

	at := strings.LastIndexByte(email, '@')
	local, domain := email[:at], email[at+1:]

	if err := checkLocalPart(local); err != nil {
		return "", err
	}
	if err := checkDomain(domain); err != nil {
		return "", err
	}

	ascii, err := domainProfile.ToASCII(domain)
	if err != nil {
		return "", errors.New("invalid domain")
	}
	return strings.ToLower(ascii), nil
}

func checkLocalPart(local string) error {
	switch {
	case local == "":
		return errors.New("empty local part")
	case len(local) > maxLocalPartLength:
		return errors.New("local part too long")
	case strings.HasPrefix(local, `"`):
		return errors.New("quoted local part")
	case strings.HasPrefix(local, "."), strings.HasSuffix(local, "."), strings.Contains(local, ".."):
		return errors.New("misplaced dot in local part")
	}
	return nil
}

func checkDomain(domain string) error {
	if strings.HasPrefix(domain, "[") {
		return errors.New("domain literal")
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return errors.New("single-label domain")
	}
	for _, label := range labels {
		if label == "" {
			return errors.New("empty domain label")
		}
	}

	tld := labels[len(labels)-1]
	if strings.Trim(tld, "0123456789") == "" {
		return errors.New("numeric top-level domain")
	}
	return nil
}
