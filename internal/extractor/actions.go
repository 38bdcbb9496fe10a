// =============================================================================
// tallysync - Value Actions
// =============================================================================
//
// Actions clean up a value after it was found in the tree and before it is
// checked against the field's rewrite table and type. They are declared per
// field in the entity config and run in order.
//
// SUPPORTED ACTIONS:
//   trim, uppercase, lowercase, prepend_string, append_string, replace,
//   regex_replace, remove_leading_zeros, strip_sign, pad_zeros_to_length,
//   format_date, if_empty_use_default, normalize_whitespace
//
// ADDING AN ACTION:
//   1. Add a case to applyAction.
//   2. Add the name to knownActions so schemas using it compile.
//
// =============================================================================

package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ginjaninja78/tallysync/internal/config"
)

var knownActions = map[string]bool{
	"trim":                 true,
	"uppercase":            true,
	"lowercase":            true,
	"prepend_string":       true,
	"append_string":        true,
	"replace":              true,
	"regex_replace":        true,
	"remove_leading_zeros": true,
	"strip_sign":           true,
	"pad_zeros_to_length":  true,
	"format_date":          true,
	"if_empty_use_default": true,
	"normalize_whitespace": true,
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// action is a TransformationAction with its arguments parsed once.
type action struct {
	config.TransformationAction

	re        *regexp.Regexp
	dateIn    string
	dateOut   string
	padLength int
}

func compileAction(a config.TransformationAction) (action, error) {
	if !knownActions[a.Type] {
		return action{}, fmt.Errorf("unknown action type %q", a.Type)
	}

	c := action{TransformationAction: a}

	switch a.Type {
	case "regex_replace":
		re, err := regexp.Compile(a.Find)
		if err != nil {
			return action{}, fmt.Errorf("invalid regex pattern: %w", err)
		}
		c.re = re

	case "format_date":
		// Value format: "inputLayout|outputLayout"
		parts := strings.Split(a.Value, "|")
		if len(parts) != 2 {
			return action{}, fmt.Errorf("format_date expects \"in|out\", got %q", a.Value)
		}
		c.dateIn = strings.TrimSpace(parts[0])
		c.dateOut = strings.TrimSpace(parts[1])

	case "pad_zeros_to_length":
		n, err := strconv.Atoi(a.Value)
		if err != nil || n <= 0 {
			return action{}, fmt.Errorf("pad_zeros_to_length expects a positive length, got %q", a.Value)
		}
		c.padLength = n
	}

	return c, nil
}

// applyActions runs the chain in order.
func applyActions(value string, actions []action) string {
	for _, a := range actions {
		value = a.apply(value)
	}
	return value
}

// apply performs a single action. Actions never fail at run time: inputs an
// action cannot handle (an unparseable date, say) pass through unchanged.
func (a action) apply(value string) string {
	switch a.Type {
	case "trim":
		return strings.TrimSpace(value)

	case "uppercase":
		return strings.ToUpper(value)

	case "lowercase":
		return strings.ToLower(value)

	case "prepend_string":
		return a.Value + value

	case "append_string":
		return value + a.Value

	case "replace":
		if a.Find == "" {
			return value
		}
		return strings.ReplaceAll(value, a.Find, a.Value)

	case "regex_replace":
		return a.re.ReplaceAllString(value, a.Value)

	case "remove_leading_zeros":
		// "00123" -> "123"
		result := strings.TrimLeft(value, "0")
		if result == "" && value != "" {
			return "0"
		}
		return result

	case "strip_sign":
		// Tally writes outflows as negative amounts.
		return strings.TrimLeft(value, "+-")

	case "pad_zeros_to_length":
		if len(value) >= a.padLength {
			return value
		}
		return strings.Repeat("0", a.padLength-len(value)) + value

	case "format_date":
		t, err := time.Parse(a.dateIn, value)
		if err != nil {
			return value
		}
		return t.Format(a.dateOut)

	case "if_empty_use_default":
		if strings.TrimSpace(value) == "" {
			return a.Value
		}
		return value

	case "normalize_whitespace":
		return strings.TrimSpace(whitespaceRun.ReplaceAllString(value, " "))
	}

	return value
}
