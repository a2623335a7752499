package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLockfile parses the line-oriented textual lockfile format, including
// recovery from merge-conflict markers.
func ParseLockfile(data string) (*Lockfile, ParseResultType, error) {
	if strings.Contains(data, "<<<<<<<") {
		return parseWithConflictMarkers(data)
	}
	lf, err := parseLockfileBody(data)
	if err != nil {
		return NewLockfile(), ParseConflict, nil
	}
	return lf, ParseSuccess, nil
}

// parseWithConflictMarkers splits data into "ours"/"theirs" halves on the
// first conflict region, parses each independently, and reconciles by
// taking the union of entries.
func parseWithConflictMarkers(data string) (*Lockfile, ParseResultType, error) {
	lines := strings.Split(data, "\n")
	var before, ours, theirs, after []string
	state := 0 // 0=before, 1=ours, 2=theirs, 3=after
	reconciled := true

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "<<<<<<<") && state == 0:
			state = 1
			continue
		case strings.HasPrefix(trimmed, "=======") && state == 1:
			state = 2
			continue
		case strings.HasPrefix(trimmed, ">>>>>>>") && state == 2:
			state = 3
			continue
		case strings.HasPrefix(trimmed, "<<<<<<<") || strings.HasPrefix(trimmed, "=======") || strings.HasPrefix(trimmed, ">>>>>>>"):
			// A second conflict region in the same file; best-effort only
			// handles one, so flag this as unreconcilable.
			reconciled = false
			continue
		}

		switch state {
		case 0:
			before = append(before, line)
		case 1:
			ours = append(ours, line)
		case 2:
			theirs = append(theirs, line)
		case 3:
			after = append(after, line)
		}
	}

	oursLF, errO := parseLockfileBody(strings.Join(append(append(append([]string{}, before...), ours...), after...), "\n"))
	theirsLF, errT := parseLockfileBody(strings.Join(append(append(append([]string{}, before...), theirs...), after...), "\n"))

	if errO != nil || errT != nil || !reconciled {
		best := NewLockfile()
		if errO == nil {
			best = oursLF
		} else if errT == nil {
			best = theirsLF
		}
		return best, ParseConflict, nil
	}

	merged := NewLockfile()
	for pattern, e := range oursLF.entries {
		merged.entries[pattern] = e
	}
	for pattern, e := range theirsLF.entries {
		if _, exists := merged.entries[pattern]; !exists {
			merged.entries[pattern] = e
		}
	}
	for owner, group := range oursLF.groups {
		merged.groups[owner] = append(merged.groups[owner], group...)
	}
	for owner, group := range theirsLF.groups {
		existing := map[string]bool{}
		for _, p := range merged.groups[owner] {
			existing[p] = true
		}
		for _, p := range group {
			if !existing[p] {
				merged.groups[owner] = append(merged.groups[owner], p)
			}
		}
	}

	return merged, ParseMerge, nil
}

type lockLine struct {
	indent int
	text   string
}

// parseLockfileBody is the conflict-free parser: tokenize into indent-aware
// lines, skip comments/blank lines, then walk top-level "key:" blocks.
func parseLockfileBody(data string) (*Lockfile, error) {
	var lines []lockLine
	for _, raw := range strings.Split(data, "\n") {
		if strings.TrimSpace(raw) == "" || strings.HasPrefix(strings.TrimSpace(raw), "#") {
			continue
		}
		indent := 0
		for indent < len(raw) && raw[indent] == ' ' {
			indent++
		}
		lines = append(lines, lockLine{indent: indent, text: raw[indent:]})
	}

	lf := NewLockfile()
	i := 0
	for i < len(lines) {
		line := lines[i]
		if line.indent != 0 {
			return nil, errParse("unexpected indent at top level: %q", line.text)
		}
		if !strings.HasSuffix(line.text, ":") {
			return nil, errParse("expected top-level key ending in ':', got %q", line.text)
		}
		keyPart := strings.TrimSuffix(line.text, ":")
		patterns := splitPatternGroup(keyPart)

		block, consumed := collectBlock(lines[i+1:], 0)
		entry, err := parseEntryFields(block)
		if err != nil {
			return nil, err
		}

		owner := patterns[0]
		for _, p := range patterns {
			if p == owner {
				lf.entries[p] = entry
			} else {
				lf.entries[p] = &LockEntry{alias: owner}
			}
		}
		lf.groups[owner] = patterns

		i += 1 + consumed
	}

	return lf, nil
}

// splitPatternGroup splits a comma-joined top-level key into its
// individual quoted/bare pattern strings.
func splitPatternGroup(key string) []string {
	parts := strings.Split(key, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, unquoteToken(strings.TrimSpace(p)))
	}
	return out
}

// collectBlock gathers every following line more indented than minIndent
// as one value block.
func collectBlock(rest []lockLine, minIndent int) ([]lockLine, int) {
	var block []lockLine
	n := 0
	for _, l := range rest {
		if l.indent <= minIndent {
			break
		}
		block = append(block, l)
		n++
	}
	return block, n
}

func parseEntryFields(block []lockLine) (*LockEntry, error) {
	e := &LockEntry{}
	i := 0
	for i < len(block) {
		line := block[i]
		fields := splitKV(line.text)
		if len(fields) == 0 {
			i++
			continue
		}

		key := fields[0]
		if strings.HasSuffix(key, ":") {
			nested, consumed := collectBlock(block[i+1:], line.indent)
			switch strings.TrimSuffix(key, ":") {
			case "dependencies":
				m, err := parseStringMap(nested)
				if err != nil {
					return nil, err
				}
				e.Dependencies = m
			case "optionalDependencies":
				m, err := parseStringMap(nested)
				if err != nil {
					return nil, err
				}
				e.OptionalDependencies = m
			case "prebuiltVariants":
				m, err := parseStringMap(nested)
				if err != nil {
					return nil, err
				}
				e.PrebuiltVariants = m
			case "permissions":
				m, err := parseBoolMap(nested)
				if err != nil {
					return nil, err
				}
				e.Permissions = m
			}
			i += 1 + consumed
			continue
		}

		if len(fields) < 2 {
			return nil, errParse("expected a value after %q", key)
		}
		switch key {
		case "name":
			e.Name = unquoteToken(fields[1])
		case "version":
			e.Version = unquoteToken(fields[1])
		case "resolved":
			e.Resolved = unquoteToken(fields[1])
		case "integrity":
			e.Integrity = unquoteToken(fields[1])
		case "registry":
			e.Registry = unquoteToken(fields[1])
		case "uid":
			e.UID = unquoteToken(fields[1])
		}
		i++
	}
	return e, nil
}

func parseStringMap(block []lockLine) (map[string]string, error) {
	m := make(map[string]string, len(block))
	for _, l := range block {
		fields := splitKV(l.text)
		if len(fields) != 2 {
			return nil, errParse("expected \"key value\" pair, got %q", l.text)
		}
		m[unquoteToken(fields[0])] = unquoteToken(fields[1])
	}
	return m, nil
}

func parseBoolMap(block []lockLine) (map[string]bool, error) {
	m := make(map[string]bool, len(block))
	for _, l := range block {
		fields := splitKV(l.text)
		if len(fields) != 2 {
			return nil, errParse("expected \"key value\" pair, got %q", l.text)
		}
		v, err := strconv.ParseBool(fields[1])
		if err != nil {
			return nil, errParse("expected bool value, got %q", l.text)
		}
		m[unquoteToken(fields[0])] = v
	}
	return m, nil
}

// splitKV splits a "key value" line into exactly two fields, honoring
// quoted values that may themselves contain spaces.
func splitKV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if s[0] == '"' {
		for i := 1; i < len(s); i++ {
			if s[i] == '"' && s[i-1] != '\\' {
				key := s[:i+1]
				rest := strings.TrimSpace(s[i+1:])
				if rest == "" {
					return []string{unquoteToken(key)}
				}
				return []string{unquoteToken(key), unquoteToken(rest)}
			}
		}
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return []string{s}
	}
	return []string{s[:idx], strings.TrimSpace(s[idx+1:])}
}

func unquoteToken(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if unq, err := strconv.Unquote(s); err == nil {
			return unq
		}
	}
	return s
}

type lockParseError struct{ msg string }

func (e *lockParseError) Error() string { return e.msg }

func errParse(format string, args ...interface{}) error {
	return &lockParseError{msg: fmt.Sprintf(format, args...)}
}
