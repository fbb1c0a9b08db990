// templates.go
//
// Message builders for the emails warden sends.
package mail

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}

const otpText = "Your sign-in verification code is:\n\n" +
	"%%code%%\n\n" +
	"The code expires in %%expiresIn%%. If you did not try to sign in, change your password."

const otpHTML = `<p>Your sign-in verification code is:</p>` +
	`<p style="font-size:24px;letter-spacing:4px"><strong>%%code%%</strong></p>` +
	`<p>The code expires in %%expiresIn%%. If you did not try to sign in, change your password.</p>`

// OTPMessage builds the email carrying a one-time sign-in code.
func OTPMessage(to, code string, expiresIn time.Duration) Message {
	vars := map[string]string{"code": code, "expiresIn": formatDuration(expiresIn)}
	return Message{
		To:      to,
		Subject: "Your verification code",
		Text:    applyVars(otpText, vars),
		HTML:    applyVars(otpHTML, vars),
	}
}

const resetText = "You requested a password reset.\n\n" +
	"Click the link below to choose a new password:\n\n" +
	"%%url%%\n\n" +
	"This link expires in %%expiresIn%%. If you did not request a reset, ignore this email."

// PasswordResetMessage builds the reset-link email. token is the raw (unhashed) token.
func PasswordResetMessage(to, urlBase, token string, expiresIn time.Duration) Message {
	vars := map[string]string{
		"url":       urlBase + "?token=" + url.QueryEscape(token),
		"expiresIn": formatDuration(expiresIn),
	}
	return Message{
		To:      to,
		Subject: "Reset your password",
		Text:    applyVars(resetText, vars),
	}
}
