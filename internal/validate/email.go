package validate

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/opsmailer/mailing-service/internal/domain"
)

const (
	maxLocalLength  = 64
	maxDomainLength = 255
	mxLookupTimeout = 5 * time.Second
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// MXResolver is the slice of net.Resolver the MX layer needs.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Validator runs the three validation layers in order, short-circuiting on
// the first failure: syntax, disposable-domain set, MX lookup. The last two
// are toggles.
type Validator struct {
	CheckDisposable bool
	CheckMX         bool
	Resolver        MXResolver
}

func New(checkDisposable, checkMX bool) *Validator {
	return &Validator{
		CheckDisposable: checkDisposable,
		CheckMX:         checkMX,
		Resolver:        net.DefaultResolver,
	}
}

// Normalize lowercases and trims an address before any validation or
// persistence; (mailingId, email) uniqueness works on the normalized form.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks a normalized address. Rejections come back as
// *domain.ValidationError carrying the reason code for the entry row.
func (v *Validator) Validate(ctx context.Context, email string) error {
	domainPart, err := checkSyntax(email)
	if err != nil {
		return err
	}

	if v.CheckDisposable && isDisposable(domainPart) {
		return &domain.ValidationError{Reason: domain.InvalidDisposable, Detail: domainPart}
	}

	if v.CheckMX {
		if err := v.checkMX(ctx, domainPart); err != nil {
			return err
		}
	}
	return nil
}

func checkSyntax(email string) (string, error) {
	fail := func(detail string) (string, error) {
		return "", &domain.ValidationError{Reason: domain.InvalidSyntax, Detail: detail}
	}

	if email == "" {
		return fail("empty address")
	}
	if strings.Count(email, "@") != 1 {
		return fail("must contain exactly one @")
	}

	at := strings.IndexByte(email, '@')
	local, domainPart := email[:at], email[at+1:]

	if len(local) == 0 || len(local) > maxLocalLength {
		return fail(fmt.Sprintf("local part length %d out of range", len(local)))
	}
	if len(domainPart) == 0 || len(domainPart) > maxDomainLength {
		return fail(fmt.Sprintf("domain length %d out of range", len(domainPart)))
	}
	if !strings.Contains(domainPart, ".") {
		return fail("domain has no dot")
	}
	if strings.Contains(email, "..") {
		return fail("consecutive dots")
	}
	if !emailRegex.MatchString(email) {
		return fail("bad format")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fail("parser rejected address")
	}
	return domainPart, nil
}

func (v *Validator) checkMX(ctx context.Context, domainPart string) error {
	resolver := v.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	lookupCtx, cancel := context.WithTimeout(ctx, mxLookupTimeout)
	defer cancel()

	records, err := resolver.LookupMX(lookupCtx, domainPart)
	if err != nil || len(records) == 0 {
		detail := "no MX records"
		if err != nil {
			detail = err.Error()
		}
		return &domain.ValidationError{Reason: domain.InvalidMX, Detail: detail}
	}
	return nil
}

// SanitizeEmail masks an address for logging.
func SanitizeEmail(email string) string {
	if email == "" {
		return ""
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		if len(email) > 3 {
			return email[:2] + "***@***"
		}
		return "***"
	}

	local, domainPart := parts[0], parts[1]

	masked := "***"
	if len(local) > 2 {
		masked = local[:2] + "***"
	}

	domainParts := strings.Split(domainPart, ".")
	first := domainParts[0]
	if len(first) > 2 {
		return masked + "@" + first[:2] + "***." + strings.Join(domainParts[1:], ".")
	}
	return masked + "@***." + strings.Join(domainParts[1:], ".")
}
