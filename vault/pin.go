package vault

import "strings"

// MinPINLength is the minimum accepted PIN length.
const MinPINLength = 8

// pinBlacklist holds well-known weak passwords rejected outright. Compared
// case-insensitively.
var pinBlacklist = map[string]bool{
	"password":   true,
	"password1":  true,
	"passw0rd":   true,
	"12345678":   true,
	"123456789":  true,
	"1234567890": true,
	"qwertyui":   true,
	"qwertyuiop": true,
	"letmein1":   true,
	"iloveyou":   true,
	"admin123":   true,
	"welcome1":   true,
	"abc12345":   true,
	"sunshine":   true,
	"trustno1":   true,
}

// IsStrongPIN reports whether a PIN satisfies the strength policy: minimum
// length, not blacklisted, not a single repeated character, not an ascending
// or descending character run, and drawn from at least two of the three
// classes {digit, letter, symbol}.
func IsStrongPIN(pin string) bool {
	if len(pin) < MinPINLength {
		return false
	}
	if pinBlacklist[strings.ToLower(pin)] {
		return false
	}
	if isSingleRepeat(pin) {
		return false
	}
	if isSequentialRun(pin) {
		return false
	}
	return characterClasses(pin) >= 2
}

// isSingleRepeat reports whether every byte of the PIN is identical.
func isSingleRepeat(pin string) bool {
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			return false
		}
	}
	return true
}

// isSequentialRun reports whether the PIN is one unbroken ascending or
// descending run of digits or letters ("abcdefgh", "98765432").
func isSequentialRun(pin string) bool {
	ascending := true
	descending := true
	for i := 1; i < len(pin); i++ {
		if !isAlnum(pin[i]) || !isAlnum(pin[i-1]) {
			return false
		}
		if pin[i] != pin[i-1]+1 {
			ascending = false
		}
		if pin[i] != pin[i-1]-1 {
			descending = false
		}
	}
	return ascending || descending
}

// characterClasses counts how many of {digit, letter, symbol} appear.
func characterClasses(pin string) int {
	var hasDigit, hasLetter, hasSymbol bool
	for i := 0; i < len(pin); i++ {
		c := pin[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			hasLetter = true
		default:
			hasSymbol = true
		}
	}
	classes := 0
	if hasDigit {
		classes++
	}
	if hasLetter {
		classes++
	}
	if hasSymbol {
		classes++
	}
	return classes
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
