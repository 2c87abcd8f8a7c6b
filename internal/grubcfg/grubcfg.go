// Package grubcfg parses a grub.cfg into a sequence of typed blocks: GRUB
// menu entries and the passthrough text between them. Entries can be removed
// by predicate and the configuration re-serialized; untouched content is
// preserved byte for byte. This is what prunes the over-inclusive boot menu
// down to the detected board on first boot.
package grubcfg

import (
	"fmt"
	"io"
	"strings"
)

type BlockType int

const (
	// Passthrough is any text that is not a complete menuentry block.
	Passthrough BlockType = iota
	// MenuEntry is one balanced `menuentry ... { ... }` block.
	MenuEntry
)

type Block struct {
	Type BlockType
	// Title is the first quoted string of a menu entry.
	Title string
	// Body is the text between the entry's braces.
	Body string
	// Raw is the exact original text of the block.
	Raw string
}

type Config struct {
	Blocks []Block
}

// Parse splits the configuration into blocks. An unbalanced menuentry is not
// fatal: its opening line degrades to passthrough text and scanning resumes
// on the next line, so surrounding entries survive.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading grub config: %w", err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	cfg := &Config{}
	var pass strings.Builder

	flush := func() {
		if pass.Len() > 0 {
			cfg.Blocks = append(cfg.Blocks, Block{Type: Passthrough, Raw: pass.String()})
			pass.Reset()
		}
	}

	for i := 0; i < len(lines); {
		if !isEntryStart(lines[i]) {
			pass.WriteString(lines[i])
			i++
			continue
		}

		end, ok := findBlockEnd(lines, i)
		if !ok {
			// unbalanced entry: keep the line as plain text and go on
			pass.WriteString(lines[i])
			i++
			continue
		}

		flush()
		raw := strings.Join(lines[i:end+1], "")
		cfg.Blocks = append(cfg.Blocks, Block{
			Type:  MenuEntry,
			Title: entryTitle(lines[i]),
			Body:  entryBody(raw),
			Raw:   raw,
		})
		i = end + 1
	}
	flush()

	return cfg, nil
}

// Entries returns the menu entry blocks in order.
func (c *Config) Entries() []Block {
	var entries []Block
	for _, b := range c.Blocks {
		if b.Type == MenuEntry {
			entries = append(entries, b)
		}
	}
	return entries
}

// FilterEntries drops every menu entry for which keep returns false and
// reports how many were removed. Passthrough blocks and kept entries pass
// through unchanged, in their original order.
func (c *Config) FilterEntries(keep func(Block) bool) int {
	kept := c.Blocks[:0]
	removed := 0
	for _, b := range c.Blocks {
		if b.Type == MenuEntry && !keep(b) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	c.Blocks = kept
	return removed
}

// WriteTo re-serializes the configuration. For unmodified input the output
// is byte-identical.
func (c *Config) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, b := range c.Blocks {
		written, err := io.WriteString(w, b.Raw)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *Config) String() string {
	var b strings.Builder
	_, _ = c.WriteTo(&b)
	return b.String()
}

func isEntryStart(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(trimmed, "menuentry ") || strings.HasPrefix(trimmed, "menuentry\t") ||
		strings.TrimRight(trimmed, " \t\r\n") == "menuentry"
}

// findBlockEnd scans from the entry's first line for the line on which its
// braces balance. Braces inside quoted strings do not count.
func findBlockEnd(lines []string, start int) (int, bool) {
	depth := 0
	opened := false
	var inSingle, inDouble bool

	for i := start; i < len(lines); i++ {
		for j := 0; j < len(lines[i]); j++ {
			ch := lines[i][j]
			switch {
			case ch == '\'' && !inDouble:
				inSingle = !inSingle
			case ch == '"' && !inSingle:
				inDouble = !inDouble
			case inSingle || inDouble:
			case ch == '#':
				// comment runs to end of line
				j = len(lines[i])
			case ch == '{':
				depth++
				opened = true
			case ch == '}':
				depth--
				if opened && depth == 0 {
					return i, true
				}
				if depth < 0 {
					return 0, false
				}
			}
		}
		if !opened && i > start {
			// the opening brace must follow on the menuentry line itself
			return 0, false
		}
	}
	return 0, false
}

// entryTitle extracts the first quoted string following the menuentry
// keyword.
func entryTitle(line string) string {
	for _, q := range []byte{'\'', '"'} {
		open := strings.IndexByte(line, q)
		if open < 0 {
			continue
		}
		close := strings.IndexByte(line[open+1:], q)
		if close < 0 {
			continue
		}
		return line[open+1 : open+1+close]
	}
	return ""
}

// entryBody returns the text between the outer braces of a balanced block.
func entryBody(raw string) string {
	open := strings.IndexByte(raw, '{')
	close := strings.LastIndexByte(raw, '}')
	if open < 0 || close < open {
		return ""
	}
	return raw[open+1 : close]
}
