package dml

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// identifier: \p{L}+[_\p{L}0-9-]*
func isIdent(s string) bool {
	ident, rest, err := lexIdent([]byte(s))
	return err == nil && len(rest) == 0 && ident == s
}

func lexIdent(in []byte) (string, []byte, error) {
	r, size := utf8.DecodeRune(in)
	if r == utf8.RuneError || size == 0 || !unicode.IsLetter(r) {
		return "", nil, fmt.Errorf("%w: parsing %q", ErrNotIdent, truncate(in))
	}

	ident := []rune{r}
	pos := size
	for pos < len(in) {
		r, size := utf8.DecodeRune(in[pos:])
		if r == utf8.RuneError || size == 0 {
			return "", nil, fmt.Errorf("%w: invalid rune: %c", ErrSyntax, r)
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			break
		}
		ident = append(ident, r)
		pos += size
	}
	if ident[len(ident)-1] == '-' {
		ident = ident[:len(ident)-1]
		pos--
	}
	return string(ident), in[pos:], nil
}

// lexName lexes an identifier or a quoted string, parsed as a JSON string.
func lexName(in []byte) (string, []byte, error) {
	if len(in) == 0 {
		return "", nil, errUnexpectedEOF()
	}
	if in[0] != '"' {
		name, rest, err := lexIdent(in)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return name, rest, nil
	}
	// This means we support all of its escape sequences!
	dec := json.NewDecoder(bytes.NewReader(in))
	tok, err := dec.Token()
	if err != nil {
		return "", nil, fmt.Errorf("%w: parsing quote string literal: %v", ErrSyntax, err)
	}
	name, ok := tok.(string)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("%w: unexpected %v", ErrSyntax, tok)
	}
	return name, in[dec.InputOffset():], nil
}

// lexKeyword lexes the next identifier if it is the given keyword (case insensitive).
func lexKeyword(in []byte, keyword string) ([]byte, bool) {
	ident, rest, err := lexIdent(in)
	if err != nil || !strings.EqualFold(ident, keyword) {
		return in, false
	}
	return rest, true
}

func lexInt(in []byte) (int, []byte, error) {
	pos := 0
	for pos < len(in) && in[pos] >= '0' && in[pos] <= '9' {
		pos++
	}
	if pos == 0 {
		return 0, nil, fmt.Errorf("%w: expected a non negative integer but got %q", ErrSyntax, truncate(in))
	}
	n, err := strconv.Atoi(string(in[:pos]))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return n, in[pos:], nil
}

func skipblank(in []byte) []byte {
	for len(in) > 0 {
		r, size := utf8.DecodeRune(in)
		if r != utf8.RuneError && unicode.IsSpace(r) {
			in = in[size:]
			continue
		}
		break
	}
	return in
}

func truncate(in []byte) []byte {
	const size = 32
	if len(in) > size {
		return in[:size]
	}
	return in
}
