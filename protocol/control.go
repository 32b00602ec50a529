package protocol

import (
	"errors"
	"strings"
)

var ErrInvalidCommand = errors.New("invalid command")

const (
	CommandStats    = "stats"
	CommandShutdown = "shutdown"
)

// Command is one line sent to the control socket: NAME|ARG|ARG...
type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument or "" when absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

func ParseCommand(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return Command{}, ErrInvalidCommand
	}

	parts := splitUnescaped(line, '|')
	cmd := Command{Name: strings.TrimSpace(unescape(parts[0]))}
	for _, p := range parts[1:] {
		cmd.Args = append(cmd.Args, unescape(p))
	}
	return cmd, nil
}

func FormatCommand(name string, args ...string) string {
	parts := []string{Escape(name)}
	for _, a := range args {
		parts = append(parts, Escape(a))
	}
	// Trailing empty arguments carry nothing.
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "|") + "\n"
}

// Reply lines are OK|payload or ERROR|reason.
func FormatReply(ok bool, payload string) string {
	status := "ERROR"
	if ok {
		status = "OK"
	}
	return status + "|" + Escape(payload) + "\n"
}

func ParseReply(line string) (ok bool, payload string, err error) {
	line = strings.TrimRight(line, "\r\n")
	parts := splitUnescaped(line, '|')
	if len(parts) < 2 {
		return false, "", ErrInvalidCommand
	}
	switch parts[0] {
	case "OK":
		ok = true
	case "ERROR":
	default:
		return false, "", ErrInvalidCommand
	}
	return ok, unescape(strings.Join(parts[1:], "|")), nil
}

// splitUnescaped splits s on delimiter, skipping escaped delimiters.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}
		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}

	return append(parts, current.String())
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}
		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

func Escape(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch r {
		case '|':
			result.WriteString(`\|`)
		case '\\':
			result.WriteString(`\\`)
		case '\n':
			result.WriteString(`\n`)
		case '\r':
			result.WriteString(`\r`)
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
