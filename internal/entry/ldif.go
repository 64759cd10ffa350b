package entry

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// LDIF encoding for the import/export/backup/restore tasks. The format is
// the minimal RFC 2849 subset those tasks need: one record per entry,
// "dn:" first, one "attr: value" line per value, base64 (":: ") for values
// that are unsafe to emit verbatim, records separated by a blank line.

// WriteLDIF writes entries to w in LDIF form, in the order given.
func WriteLDIF(w io.Writer, entries []*Entry) error {
	bw := bufio.NewWriter(w)
	for i, e := range entries {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if err := writeLine(bw, "dn", e.DN); err != nil {
			return err
		}
		for _, attr := range e.Attributes {
			for _, v := range attr.Values {
				if err := writeLine(bw, attr.Name, v); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

func writeLine(w *bufio.Writer, name, value string) error {
	if ldifSafe(value) {
		_, err := fmt.Fprintf(w, "%s: %s\n", name, value)
		return err
	}
	_, err := fmt.Fprintf(w, "%s:: %s\n", name, base64.StdEncoding.EncodeToString([]byte(value)))
	return err
}

func ldifSafe(value string) bool {
	if value == "" {
		return true
	}
	if value[0] == ' ' || value[0] == ':' || value[0] == '<' {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\n' || c == '\r' || c == 0 || c > 0x7f {
			return false
		}
	}
	if value[len(value)-1] == ' ' {
		return false
	}
	return true
}

// ReadLDIF parses LDIF records from r. Comment lines (#) are skipped;
// line continuations (leading space) are folded.
func ReadLDIF(r io.Reader) ([]*Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var (
		entries []*Entry
		lines   []string
	)

	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		e, err := parseRecord(lines)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		lines = nil
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "#"):
			// comment
		case strings.HasPrefix(line, " ") && len(lines) > 0:
			lines[len(lines)-1] += line[1:]
		default:
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseRecord(lines []string) (*Entry, error) {
	name, value, err := parseLine(lines[0])
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(name, "dn") {
		return nil, fmt.Errorf("ldif: record does not start with dn: %q", lines[0])
	}

	e := &Entry{DN: value}
	for _, line := range lines[1:] {
		name, value, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		if i := e.find(name); i >= 0 {
			e.Attributes[i].Values = append(e.Attributes[i].Values, value)
		} else {
			e.Attributes = append(e.Attributes, Attribute{Name: name, Values: []string{value}})
		}
	}
	return e, nil
}

func parseLine(line string) (name, value string, err error) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", fmt.Errorf("ldif: malformed line %q", line)
	}
	name = line[:idx]
	rest := line[idx+1:]

	if strings.HasPrefix(rest, ":") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest[1:]))
		if err != nil {
			return "", "", fmt.Errorf("ldif: bad base64 on line %q: %w", line, err)
		}
		return name, string(decoded), nil
	}
	return name, strings.TrimPrefix(rest, " "), nil
}
