package policy

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ParamKind names the shape a pattern parameter must have.
type ParamKind string

const (
	KindHost ParamKind = "host"
	KindIP   ParamKind = "ip"
	KindInt  ParamKind = "int"
	KindPort ParamKind = "port"
	KindWord ParamKind = "word"
	// KindURL is an http(s) URL without credentials, query or fragment.
	KindURL ParamKind = "url"
)

const (
	maxHostLength = 253
	maxWordLength = 64
	maxIntDigits  = 9
	maxURLLength  = 512
)

var (
	paramRe    = regexp.MustCompile(`^<([a-z][a-z0-9_]*)(?::([a-z]+))?>$`)
	hostnameRe = regexp.MustCompile(`^([A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*\.?$`)
	wordRe     = regexp.MustCompile(`^[A-Za-z0-9._][A-Za-z0-9._-]*$`)
	digitsRe   = regexp.MustCompile(`^[0-9]+$`)
	urlPathRe  = regexp.MustCompile(`^[A-Za-z0-9._/%-]*$`)
)

type segment struct {
	literal string
	param   string
	kind    ParamKind
}

func (s segment) isParam() bool { return s.param != "" }

// Pattern is a compiled allowlist entry: literal tokens and typed parameters.
type Pattern struct {
	source   string
	segments []segment
}

// String returns the pattern as written in the template.
func (p *Pattern) String() string { return p.source }

// Compile parses a pattern such as "ping -c <count:int> <target:host>".
// A parameter without a kind is a word. The first segment must be a literal
// so every pattern names the program it allows.
func Compile(source string) (*Pattern, error) {
	fields := strings.Fields(source)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}

	p := &Pattern{source: strings.Join(fields, " ")}
	seen := make(map[string]bool)
	for i, field := range fields {
		if !strings.HasPrefix(field, "<") {
			if strings.ContainsAny(field, "<>") {
				return nil, fmt.Errorf("pattern %q: malformed segment %q", source, field)
			}
			p.segments = append(p.segments, segment{literal: field})
			continue
		}

		m := paramRe.FindStringSubmatch(field)
		if m == nil {
			return nil, fmt.Errorf("pattern %q: malformed parameter %q", source, field)
		}
		if i == 0 {
			return nil, fmt.Errorf("pattern %q: must start with a literal command", source)
		}
		name, kind := m[1], ParamKind(m[2])
		if kind == "" {
			kind = KindWord
		}
		switch kind {
		case KindHost, KindIP, KindInt, KindPort, KindWord, KindURL:
		default:
			return nil, fmt.Errorf("pattern %q: unknown parameter kind %q", source, kind)
		}
		if seen[name] {
			return nil, fmt.Errorf("pattern %q: duplicate parameter %q", source, name)
		}
		seen[name] = true
		p.segments = append(p.segments, segment{param: name, kind: kind})
	}
	return p, nil
}

// match compares the normalized tokens against the pattern. It returns the bound
// parameters, or ok=false when the shape differs. A parameter value failing its
// kind check is reported through err so the caller can surface a precise reason.
func (p *Pattern) match(tokens []string) (params map[string]string, ok bool, err error) {
	if len(tokens) != len(p.segments) {
		return nil, false, nil
	}
	for i, seg := range p.segments {
		if !seg.isParam() && tokens[i] != seg.literal {
			return nil, false, nil
		}
	}

	params = make(map[string]string)
	for i, seg := range p.segments {
		if !seg.isParam() {
			continue
		}
		if err := checkParam(seg.kind, tokens[i]); err != nil {
			return nil, false, fmt.Errorf("parameter %s: %w", seg.param, err)
		}
		params[seg.param] = tokens[i]
	}
	return params, true, nil
}

func checkParam(kind ParamKind, value string) error {
	if value == "" {
		return fmt.Errorf("empty value")
	}
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("value may not start with '-'")
	}
	if containsMeta(value) {
		return fmt.Errorf("value contains shell metacharacters")
	}

	switch kind {
	case KindIP:
		if net.ParseIP(value) == nil {
			return fmt.Errorf("%q is not an IP address", value)
		}
	case KindHost:
		if len(value) > maxHostLength {
			return fmt.Errorf("host longer than %d characters", maxHostLength)
		}
		if net.ParseIP(value) == nil && !hostnameRe.MatchString(value) {
			return fmt.Errorf("%q is not a hostname or IP address", value)
		}
	case KindInt:
		if len(value) > maxIntDigits || !digitsRe.MatchString(value) {
			return fmt.Errorf("%q is not a bounded integer", value)
		}
	case KindPort:
		n, err := strconv.Atoi(value)
		if err != nil || !digitsRe.MatchString(value) || n < 1 || n > 65535 {
			return fmt.Errorf("%q is not a port number", value)
		}
	case KindWord:
		if len(value) > maxWordLength || !wordRe.MatchString(value) {
			return fmt.Errorf("%q is not a plain word", value)
		}
	case KindURL:
		return checkURL(value)
	}
	return nil
}

func checkURL(value string) error {
	if len(value) > maxURLLength {
		return fmt.Errorf("url longer than %d characters", maxURLLength)
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Opaque != "" {
		return fmt.Errorf("%q is not an http or https URL", value)
	}
	if u.User != nil {
		return fmt.Errorf("url may not carry credentials")
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return fmt.Errorf("url may not carry a query or fragment")
	}
	host := u.Hostname()
	if host == "" || len(host) > maxHostLength || (net.ParseIP(host) == nil && !hostnameRe.MatchString(host)) {
		return fmt.Errorf("%q has no valid host", value)
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%q has an invalid port", value)
		}
	} else if strings.HasSuffix(u.Host, ":") {
		return fmt.Errorf("%q has an empty port", value)
	}
	if !urlPathRe.MatchString(u.EscapedPath()) {
		return fmt.Errorf("%q has an unsupported path", value)
	}
	return nil
}
