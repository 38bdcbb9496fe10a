package recovery

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ginjaninja78/tallysync/internal/config"
)

// DefaultPermittedChars is the punctuation kept by the illegal character
// rule, besides letters, digits, whitespace and well-formed character
// references. Keeping "." and "/" leaves decimal numbers and slash units
// intact. "'" is legal in text and is common in party names.
const DefaultPermittedChars = `<>-="/:.'`

// Rule is one named text repair. Apply must be pure.
type Rule struct {
	Name  string
	Apply func(string) string
}

// DefaultRules returns the repair rules for an entity kind in the order they
// must run:
//
//  1. markup declarations
//  2. attribute quoting
//  3. illegal characters
//  4. unit suffixes on numeric tags (when configured)
//  5. leading zeros on identifier tags (when configured)
//
// Quoting runs before character stripping so inserted quotes survive, and
// unit stripping runs last among the numeric rules so it sees quoted
// attributes and only permitted characters.
func DefaultRules(settings config.RecoverySettings) []Rule {
	rules := []Rule{
		StripMarkupDeclarations(),
		QuoteAttributes(),
		StripIllegalCharacters(DefaultPermittedChars + settings.ExtraPermittedChars),
	}
	if len(settings.UnitSuffixTags) > 0 {
		rules = append(rules, StripUnitSuffixes(settings.UnitSuffixTags))
	}
	if len(settings.LeadingZeroTags) > 0 {
		rules = append(rules, StripLeadingZeros(settings.LeadingZeroTags))
	}
	return rules
}

// =============================================================================
// MARKUP DECLARATIONS
// =============================================================================

var declarationPattern = regexp.MustCompile(`(?s)<\?.*?\?>|<!--.*?-->|<!DOCTYPE[^>]*>`)

// StripMarkupDeclarations removes processing instructions (including the XML
// declaration), comments and DOCTYPE declarations. The character rule would
// otherwise strip "?" and "!" and leave them behind as bogus elements.
func StripMarkupDeclarations() Rule {
	return Rule{
		Name: "markup_declarations",
		Apply: func(s string) string {
			return declarationPattern.ReplaceAllString(s, "")
		},
	}
}

// =============================================================================
// ATTRIBUTE QUOTING
// =============================================================================

var (
	// A start tag or empty-element tag. End tags carry no attributes.
	startTagPattern = regexp.MustCompile(`<[A-Za-z_][^<>]*>`)

	// whitespace, name, "=", then a bare value that does not end in "/" so
	// the closing "/>" of an empty-element tag is left alone.
	bareAttrPattern = regexp.MustCompile(`(\s)([A-Za-z_][A-Za-z0-9_.:-]*)\s*=\s*([^\s"'<>=]*[^\s"'<>=/])`)
)

// QuoteAttributes rewrites name=value to name="value" inside tags. Quoted
// regions are copied untouched, so already-quoted attributes never change and
// text content between tags is never considered. Single-quoted values are
// converted to double quotes.
func QuoteAttributes() Rule {
	return Rule{
		Name: "attribute_quoting",
		Apply: func(s string) string {
			return startTagPattern.ReplaceAllStringFunc(s, quoteTag)
		},
	}
}

func quoteTag(tag string) string {
	var b strings.Builder
	b.Grow(len(tag) + 8)

	seg := 0
	for i := 0; i < len(tag); {
		c := tag[i]
		if c != '"' && c != '\'' {
			i++
			continue
		}
		end := strings.IndexByte(tag[i+1:], c)
		if end < 0 {
			break
		}
		b.WriteString(bareAttrPattern.ReplaceAllString(tag[seg:i], `$1$2="$3"`))

		value := tag[i+1 : i+1+end]
		if c == '\'' && !strings.Contains(value, `"`) {
			b.WriteString(`"` + value + `"`)
		} else {
			b.WriteString(tag[i : i+end+2])
		}
		i += end + 2
		seg = i
	}
	b.WriteString(bareAttrPattern.ReplaceAllString(tag[seg:], `$1$2="$3"`))

	return b.String()
}

// =============================================================================
// ILLEGAL CHARACTERS
// =============================================================================

var charRefPattern = regexp.MustCompile(`^&(?:amp|lt|gt|quot|apos|#[0-9]{1,7}|#x[0-9A-Fa-f]{1,6});`)

// StripIllegalCharacters removes every rune that is not a letter, a digit,
// whitespace or one of permitted. Predefined entity references and numeric
// references to legal XML characters are copied as they are, so "&amp;"
// survives while a bare "&" is dropped.
func StripIllegalCharacters(permitted string) Rule {
	keep := func(r rune) bool {
		switch {
		case r == utf8.RuneError:
			return false
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return true
		case r == ' ', r == '\t', r == '\n', r == '\r':
			return true
		}
		return strings.ContainsRune(permitted, r)
	}

	return Rule{
		Name: "illegal_characters",
		Apply: func(s string) string {
			var b strings.Builder
			b.Grow(len(s))
			for i := 0; i < len(s); {
				if s[i] == '&' {
					if ref := charRefPattern.FindString(s[i:]); ref != "" && legalReference(ref) {
						b.WriteString(ref)
						i += len(ref)
						continue
					}
				}
				r, size := utf8.DecodeRuneInString(s[i:])
				if keep(r) {
					b.WriteRune(r)
				}
				i += size
			}
			return b.String()
		},
	}
}

// legalReference reports whether a numeric reference names a character XML
// allows. Predefined entity references always do.
func legalReference(ref string) bool {
	if !strings.HasPrefix(ref, "&#") {
		return true
	}
	digits, base := ref[2:len(ref)-1], 10
	if strings.HasPrefix(digits, "x") {
		digits, base = digits[1:], 16
	}
	n, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return false
	}
	r := rune(n)
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}

// =============================================================================
// UNIT SUFFIXES
// =============================================================================

// StripUnitSuffixes removes a short alphabetic unit glued to the number in
// each of the given elements: "<RATE>450.00/no</RATE>" and
// "<ACTUALQTY> 12 Nos</ACTUALQTY>" become "450.00" and "12". The element must
// contain exactly a number and a unit. Anything else, and any number outside
// these elements, is left alone.
func StripUnitSuffixes(tags []string) Rule {
	patterns := make([]*regexp.Regexp, 0, len(tags))
	for _, tag := range tags {
		t := regexp.QuoteMeta(tag)
		patterns = append(patterns, regexp.MustCompile(
			`(<`+t+`(?:\s[^>]*)?>\s*)(-?(?:\d+(?:\.\d*)?|\.\d+))\s*/?\s*[A-Za-z]{1,10}(\s*</`+t+`>)`,
		))
	}

	return Rule{
		Name: "unit_suffixes",
		Apply: func(s string) string {
			for _, p := range patterns {
				s = p.ReplaceAllString(s, `${1}${2}${3}`)
			}
			return s
		},
	}
}

// =============================================================================
// LEADING ZEROS
// =============================================================================

// StripLeadingZeros removes zero padding from the text of the given
// elements, keeping at least one character: "0012" becomes "12" and "000"
// becomes "0".
func StripLeadingZeros(tags []string) Rule {
	patterns := make([]*regexp.Regexp, 0, len(tags))
	for _, tag := range tags {
		t := regexp.QuoteMeta(tag)
		patterns = append(patterns, regexp.MustCompile(
			`(<`+t+`(?:\s[^>]*)?>\s*)0+([\p{L}\p{N}])`,
		))
	}

	return Rule{
		Name: "leading_zeros",
		Apply: func(s string) string {
			for _, p := range patterns {
				s = p.ReplaceAllString(s, `${1}${2}`)
			}
			return s
		},
	}
}
