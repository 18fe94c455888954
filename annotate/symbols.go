package annotate

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseSymbols reads symbol addresses. Two line formats are accepted: linker
// script assignments as written by genlds and ld map files,
//
//	name = 0x401000;
//
// and nm output,
//
//	00401000 T name
//
// Undefined and weak nm entries without an address, such as "U _printf",
// are skipped. Blank lines, '#' comments, and single-line /* */ comments are skipped. A
// symbol defined twice keeps its last address.
func ParseSymbols(r io.Reader) (map[string]uint32, error) {
	symbols := make(map[string]uint32)
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "/*") && strings.HasSuffix(line, "*/") {
			continue
		}
		if isUndefinedSymbol(line) {
			continue
		}
		name, value, ok := splitSymbol(line)
		if !ok {
			return nil, errors.Errorf("line %d: invalid symbol definition %q", n, line)
		}
		addr, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, errors.Errorf("line %d: invalid address %q for %s", n, value, name)
		}
		symbols[name] = uint32(addr)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read symbols")
	}
	return symbols, nil
}

func splitSymbol(line string) (name, value string, ok bool) {
	if i := strings.IndexByte(line, '='); i >= 0 {
		name = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line[i+1:]), ";"))
		return name, value, name != "" && value != ""
	}
	f := strings.Fields(line)
	if len(f) != 3 {
		return "", "", false
	}
	return f[2], "0x" + f[0], true
}

// isUndefinedSymbol reports whether line is an nm entry with no address.
func isUndefinedSymbol(line string) bool {
	f := strings.Fields(line)
	if len(f) != 2 || strings.IndexByte(line, '=') >= 0 {
		return false
	}
	switch f[0] {
	case "U", "w", "v":
		return true
	}
	return false
}
