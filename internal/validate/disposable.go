package validate

// Bundled set of throwaway-mail domains. Deliberately small: the check is a
// cheap first line, not a reputation service.
var disposableDomains = map[string]struct{}{
	"0-mail.com":            {},
	"10minutemail.com":      {},
	"10minutemail.net":      {},
	"20minutemail.com":      {},
	"33mail.com":            {},
	"anonbox.net":           {},
	"burnermail.io":         {},
	"byom.de":               {},
	"deadaddress.com":       {},
	"discard.email":         {},
	"disposablemail.com":    {},
	"dispostable.com":       {},
	"dropmail.me":           {},
	"emailondeck.com":       {},
	"fakeinbox.com":         {},
	"fakemailgenerator.com": {},
	"getairmail.com":        {},
	"getnada.com":           {},
	"guerrillamail.biz":     {},
	"guerrillamail.com":     {},
	"guerrillamail.de":      {},
	"guerrillamail.net":     {},
	"guerrillamail.org":     {},
	"harakirimail.com":      {},
	"inboxkitten.com":       {},
	"incognitomail.com":     {},
	"jetable.org":           {},
	"mail-temporaire.fr":    {},
	"mail7.io":              {},
	"mailcatch.com":         {},
	"maildrop.cc":           {},
	"mailexpire.com":        {},
	"mailinator.com":        {},
	"mailinator.net":        {},
	"mailnesia.com":         {},
	"mailsac.com":           {},
	"mintemail.com":         {},
	"mohmal.com":            {},
	"mytemp.email":          {},
	"nowmymail.com":         {},
	"sharklasers.com":       {},
	"spam4.me":              {},
	"spamgourmet.com":       {},
	"tempail.com":           {},
	"temp-mail.io":          {},
	"temp-mail.org":         {},
	"tempinbox.com":         {},
	"tempmail.dev":          {},
	"tempmail.net":          {},
	"tempmailo.com":         {},
	"tempr.email":           {},
	"throwawaymail.com":     {},
	"trash-mail.com":        {},
	"trashmail.com":         {},
	"trashmail.de":          {},
	"yopmail.com":           {},
	"yopmail.fr":            {},
	"yopmail.net":           {},
}

func isDisposable(domainPart string) bool {
	_, found := disposableDomains[domainPart]
	return found
}
