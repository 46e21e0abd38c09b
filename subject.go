package gnats

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSubject = errors.New("invalid subject")
	ErrBadQueueName   = errors.New("invalid queue name")
	ErrEmptySubject   = fmt.Errorf("%w: subject cannot be empty", ErrInvalidSubject)
)

const (
	tokenSeparator      = '.'
	singleTokenWildcard = '*'
	fullWildcard        = '>'
)

// ValidateSubject validates a literal subject used for publishing.
// Literal subjects cannot contain wildcard tokens or whitespace.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrEmptySubject
	}

	start := 0
	for i := 0; i <= len(subject); i++ {
		if i < len(subject) && subject[i] != tokenSeparator {
			if isSpace(subject[i]) {
				return ErrInvalidSubject
			}
			continue
		}

		token := subject[start:i]
		if token == "" {
			return ErrInvalidSubject
		}
		if token == string(singleTokenWildcard) || token == string(fullWildcard) {
			return ErrInvalidSubject
		}
		start = i + 1
	}

	return nil
}

// ValidateSubjectPattern validates a subscription pattern.
// '*' must occupy a whole token, '>' must occupy the whole last token.
func ValidateSubjectPattern(pattern string) error {
	if pattern == "" {
		return ErrEmptySubject
	}

	tokens := strings.Split(pattern, string(tokenSeparator))

	for i, token := range tokens {
		if token == "" {
			return ErrInvalidSubject
		}
		if strings.ContainsAny(token, " \t\r\n") {
			return ErrInvalidSubject
		}

		if strings.ContainsRune(token, singleTokenWildcard) && token != string(singleTokenWildcard) {
			return ErrInvalidSubject
		}

		if strings.ContainsRune(token, fullWildcard) {
			if token != string(fullWildcard) || i != len(tokens)-1 {
				return ErrInvalidSubject
			}
		}
	}

	return nil
}

// ValidateQueueName validates a queue group name.
func ValidateQueueName(queue string) error {
	if queue == "" {
		return ErrBadQueueName
	}
	for i := 0; i < len(queue); i++ {
		if isSpace(queue[i]) {
			return ErrBadQueueName
		}
	}
	return nil
}

// SubjectMatch reports whether a literal subject matches a subscription pattern.
// It walks both strings token by token without allocating.
func SubjectMatch(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	pi, si := 0, 0
	plen, slen := len(pattern), len(subject)

	for pi < plen {
		pstart := pi
		for pi < plen && pattern[pi] != tokenSeparator {
			pi++
		}
		ptoken := pattern[pstart:pi]

		if si >= slen {
			return false
		}

		// '>' needs at least one remaining token, which the check above guarantees.
		if ptoken == ">" {
			return true
		}

		sstart := si
		for si < slen && subject[si] != tokenSeparator {
			si++
		}
		stoken := subject[sstart:si]

		if stoken == "" {
			return false
		}
		if ptoken != "*" && ptoken != stoken {
			return false
		}

		if pi < plen {
			pi++
		}
		if si < slen {
			si++
			if si == slen {
				// trailing separator leaves an empty token
				return false
			}
		}
	}

	return si >= slen
}

// IsLiteralSubject returns true if the subject has no wildcard tokens.
func IsLiteralSubject(subject string) bool {
	start := 0
	for i := 0; i <= len(subject); i++ {
		if i < len(subject) && subject[i] != tokenSeparator {
			continue
		}
		token := subject[start:i]
		if token == "*" || token == ">" {
			return false
		}
		start = i + 1
	}
	return true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
