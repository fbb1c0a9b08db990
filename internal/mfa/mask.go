// mask.go
package mfa

import "strings"

// MaskEmail keeps the first and last character of the local part and the first
// character of the domain name; everything else but "@" and the last "." is starred.
// A one-character local part is shown once.
//
//	alice@example.com -> a***e@e******.***
//	j@mail.co.uk      -> j*@m******.**
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***"
	}
	local := []rune(email[:at])
	domain := email[at+1:]

	var b strings.Builder
	b.WriteRune(local[0])
	b.WriteString(stars(len(local) - 2))
	if len(local) > 1 {
		b.WriteRune(local[len(local)-1])
	}
	b.WriteByte('@')

	dot := strings.LastIndex(domain, ".")
	name := domain
	if dot > 0 {
		name = domain[:dot]
	}
	nameRunes := []rune(name)
	b.WriteRune(nameRunes[0])
	b.WriteString(stars(len(nameRunes) - 1))
	if dot > 0 {
		b.WriteByte('.')
		b.WriteString(stars(len([]rune(domain[dot+1:]))))
	}
	return b.String()
}

// stars returns n asterisks, at least one.
func stars(n int) string {
	return strings.Repeat("*", max(n, 1))
}
