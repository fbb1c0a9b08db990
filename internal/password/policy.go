// policy.go

// Package password validates password strength and hashes passwords.
package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrorCode names one failed policy rule.
type ErrorCode string

const (
	ErrTooShort         ErrorCode = "too_short"
	ErrTooLong          ErrorCode = "too_long"
	ErrMissingUppercase ErrorCode = "missing_uppercase"
	ErrMissingLowercase ErrorCode = "missing_lowercase"
	ErrMissingDigit     ErrorCode = "missing_digit"
	ErrMissingSpecial   ErrorCode = "missing_special"
	ErrCommonPassword   ErrorCode = "common_password"
	ErrContainsPersonal ErrorCode = "contains_personal_info"
	ErrRepeatedChars    ErrorCode = "repeated_characters"
	ErrSequentialChars  ErrorCode = "sequential_characters"
)

// Message returns the human-readable text for a code.
func (c ErrorCode) Message() string {
	switch c {
	case ErrTooShort:
		return "Password is too short"
	case ErrTooLong:
		return "Password is too long"
	case ErrMissingUppercase:
		return "Password must contain at least one uppercase letter"
	case ErrMissingLowercase:
		return "Password must contain at least one lowercase letter"
	case ErrMissingDigit:
		return "Password must contain at least one digit"
	case ErrMissingSpecial:
		return "Password must contain at least one special character"
	case ErrCommonPassword:
		return "Password is too common"
	case ErrContainsPersonal:
		return "Password must not contain your name or email"
	case ErrRepeatedChars:
		return "Password must not repeat a character 4 or more times in a row"
	case ErrSequentialChars:
		return "Password must not contain sequences like 1234 or qwer"
	default:
		return string(c)
	}
}

// specialChars defines which characters satisfy the RequireSpecial rule.
// All printable non-alphanumeric ASCII punctuation and symbols.
const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ "

// sequences are scanned for 4-character runs, forward and reverse.
var sequences = []string{
	"0123456789",
	"abcdefghijklmnopqrstuvwxyz",
	"qwertyuiop",
	"asdfghjkl",
	"zxcvbnm",
}

// commonPasswords is matched case-insensitively against the whole password.
var commonPasswords = map[string]struct{}{}

func init() {
	for _, p := range []string{
		"password", "password1", "password123", "password1234", "passw0rd", "p@ssw0rd", "p@ssword123",
		"123456", "12345678", "123456789", "1234567890", "qwerty", "qwerty123", "qwertyuiop",
		"abc123", "111111", "iloveyou", "admin", "admin123", "administrator", "welcome", "welcome1",
		"welcome123", "letmein", "monkey", "dragon", "football", "baseball", "sunshine", "princess",
		"master", "shadow", "superman", "trustno1", "changeme", "secret", "login", "starwars",
		"whatever", "freedom", "hello123", "summer2024", "winter2024", "spring2025", "autumn2025",
		"correcthorsebatterystaple",
	} {
		commonPasswords[p] = struct{}{}
	}
}

// Hints carries personal information a password must not contain.
type Hints struct {
	Email     string
	FirstName string
	LastName  string
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Errors []ErrorCode
}

// Messages returns the human-readable text for every failed rule.
func (r Result) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, c := range r.Errors {
		out[i] = c.Message()
	}
	return out
}

// Policy defines password complexity rules.
//
//	MinLength and MaxLength count runes (user-perceived chars); 0 skips the check.
//	Require* gate the character-class checks.
//	The remaining rules (common, personal info, repeats, sequences) are always enforced.
type Policy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPolicy requires 12+ characters from all four classes.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:        12,
		MaxLength:        128,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
	}
}

// Validate checks password against every rule and reports all failures.
func (p Policy) Validate(password string, hints Hints) Result {
	var errs []ErrorCode

	n := utf8.RuneCountInString(password)
	if p.MinLength > 0 && n < p.MinLength {
		errs = append(errs, ErrTooShort)
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		errs = append(errs, ErrTooLong)
	}

	c := classify(password)
	if p.RequireUppercase && !c.upper {
		errs = append(errs, ErrMissingUppercase)
	}
	if p.RequireLowercase && !c.lower {
		errs = append(errs, ErrMissingLowercase)
	}
	if p.RequireDigit && !c.digit {
		errs = append(errs, ErrMissingDigit)
	}
	if p.RequireSpecial && !c.special {
		errs = append(errs, ErrMissingSpecial)
	}

	if isCommon(password) {
		errs = append(errs, ErrCommonPassword)
	}
	if containsPersonal(password, hints) {
		errs = append(errs, ErrContainsPersonal)
	}
	if hasRepeats(password) {
		errs = append(errs, ErrRepeatedChars)
	}
	if hasSequence(password) {
		errs = append(errs, ErrSequentialChars)
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Strength scores password from 0 to 100.
// Length contributes up to 30, each character class 10 plus a 5 variety bonus;
// repeats and sequences cost 15 each, a common password 30.
func Strength(password string) int {
	score := min(utf8.RuneCountInString(password)*2, 30)

	c := classify(password)
	for _, present := range []bool{c.upper, c.lower, c.digit, c.special} {
		if present {
			score += 10 + 5
		}
	}

	if hasRepeats(password) {
		score -= 15
	}
	if hasSequence(password) {
		score -= 15
	}
	if isCommon(password) {
		score -= 30
	}
	return max(0, min(score, 100))
}

type classes struct {
	upper, lower, digit, special bool
}

func classify(password string) classes {
	var c classes
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsDigit(r):
			c.digit = true
		case strings.ContainsRune(specialChars, r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			c.special = true
		}
	}
	return c
}

func isCommon(password string) bool {
	_, ok := commonPasswords[strings.ToLower(password)]
	return ok
}

func containsPersonal(password string, h Hints) bool {
	lower := strings.ToLower(password)
	local, _, _ := strings.Cut(h.Email, "@")
	for _, field := range []string{local, h.FirstName, h.LastName} {
		field = strings.ToLower(strings.TrimSpace(field))
		if utf8.RuneCountInString(field) >= 3 && strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// hasRepeats reports any character repeated 4 or more times consecutively.
func hasRepeats(password string) bool {
	var prev rune
	run := 0
	for _, r := range password {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= 4 {
			return true
		}
	}
	return false
}

// hasSequence reports any 4-character window of a known sequence, forward or reverse.
func hasSequence(password string) bool {
	lower := strings.ToLower(password)
	for _, seq := range sequences {
		rev := reverse(seq)
		for i := 0; i+4 <= len(seq); i++ {
			if strings.Contains(lower, seq[i:i+4]) || strings.Contains(lower, rev[i:i+4]) {
				return true
			}
		}
	}
	return false
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
