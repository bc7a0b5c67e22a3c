// Package policy decides whether a learner-submitted command may run inside a lab.
//
// The engine is a pure function of (template, raw command): it never touches the
// container backend. Rejection is the default and allowance the exception; an
// approved command is returned as an argv slice so nothing downstream ever needs a
// shell to interpret it.
package policy

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"unicode"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

// MaxCommandLength bounds raw input before any parsing happens.
const MaxCommandLength = 1000

const shellMeta = ";|&$`<>()\\'\"*?{}[]~!#"

const (
	ReasonNotPermitted = "command not permitted for this exercise"
	ReasonMetachar     = "command contains shell metacharacters"
	ReasonEmpty        = "command is empty"
	ReasonTooLong      = "command too long"
	ReasonControlChar  = "command contains control characters"
	ReasonBlocked      = "command contains a blocked operation"
)

// DefaultBlockedFragments are refused regardless of what a template allows. They
// match whole words, so a host such as shutdown-lab.local is not affected.
var DefaultBlockedFragments = []string{
	"rm -rf",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"format",
	"del /f",
}

// ApprovedCommand is a command that passed validation.
type ApprovedCommand struct {
	Argv    []string
	Pattern string
	Params  map[string]string
}

// String renders the argv for logs. It is not meant to be fed to a shell.
func (c *ApprovedCommand) String() string {
	return strings.Join(c.Argv, " ")
}

// RejectedError carries the caller-facing reason for a rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return e.Reason
}

func (e *RejectedError) Unwrap() error {
	return models.ErrCommandNotPermitted
}

func reject(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// Engine validates commands against template allowlists.
type Engine struct {
	blocked []string
	// words holds each blocked fragment split into tokens.
	words [][]string
}

// NewEngine creates an engine with the default blocked fragments plus any extra ones.
func NewEngine(extraBlocked ...string) *Engine {
	blocked := make([]string, 0, len(DefaultBlockedFragments)+len(extraBlocked))
	for _, f := range slices.Concat(DefaultBlockedFragments, extraBlocked) {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			blocked = append(blocked, f)
		}
	}
	words := make([][]string, len(blocked))
	for i, f := range blocked {
		words[i] = strings.Fields(f)
	}
	return &Engine{blocked: blocked, words: words}
}

// splitWords lowercases s and splits it on whitespace and shell metacharacters,
// so "ping;reboot" yields both words.
func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(shellMeta, r)
	})
}

// blockedFragment returns the first blocked fragment that occurs in command on word
// boundaries. A fragment word ending in '=' matches as a prefix ("if=" matches
// "if=/dev/zero") and the leading word also matches a path ("/sbin/reboot").
func (e *Engine) blockedFragment(command string) string {
	words := splitWords(command)
	for i, fragment := range e.words {
		for start := 0; start+len(fragment) <= len(words); start++ {
			if fragmentAt(fragment, words[start:start+len(fragment)]) {
				return e.blocked[i]
			}
		}
	}
	return ""
}

func fragmentAt(fragment, words []string) bool {
	for j, want := range fragment {
		got := words[j]
		switch {
		case got == want:
		case strings.HasSuffix(want, "=") && strings.HasPrefix(got, want):
		case j == 0 && strings.Contains(got, "/") && path.Base(got) == want:
		default:
			return false
		}
	}
	return true
}

// Normalize trims and collapses whitespace. It rejects input that is empty, too long
// or carries control characters.
func Normalize(raw string) (string, error) {
	if len(raw) > MaxCommandLength {
		return "", reject("%s (max %d characters)", ReasonTooLong, MaxCommandLength)
	}
	for _, r := range raw {
		if r == ' ' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return "", reject(ReasonControlChar)
		}
	}
	normalized := strings.Join(strings.Fields(raw), " ")
	if normalized == "" {
		return "", reject(ReasonEmpty)
	}
	return normalized, nil
}

// Validate checks raw against tmpl's allowed patterns, first match wins.
func (e *Engine) Validate(tmpl *models.LabTemplate, raw string) (*ApprovedCommand, error) {
	if tmpl == nil {
		return nil, errors.New("policy: nil template")
	}

	normalized, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	if fragment := e.blockedFragment(normalized); fragment != "" {
		return nil, reject("%s: %s", ReasonBlocked, fragment)
	}

	tokens := strings.Split(normalized, " ")
	var paramErr error
	for _, source := range tmpl.AllowedCommandPatterns {
		pattern, err := Compile(source)
		if err != nil {
			// Registry validation makes this unreachable for loaded templates.
			return nil, fmt.Errorf("policy: template %s: %w", tmpl.ID, err)
		}
		params, ok, err := pattern.match(tokens)
		if err != nil {
			if paramErr == nil {
				paramErr = err
			}
			continue
		}
		if ok {
			return &ApprovedCommand{Argv: tokens, Pattern: pattern.String(), Params: params}, nil
		}
	}

	if containsMeta(normalized) {
		return nil, reject(ReasonMetachar)
	}
	if paramErr != nil {
		return nil, reject("%s: %v", ReasonNotPermitted, paramErr)
	}
	return nil, reject(ReasonNotPermitted)
}

func containsMeta(s string) bool {
	return strings.ContainsAny(s, shellMeta)
}
