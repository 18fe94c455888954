// Package annotate reads patch annotations embedded in assembly source.
//
// An annotation is a line whose first non-blank character is '@':
//
//	@hook 0x401000 my_function
//	@clear 0x401005 0x90 0x401010
//	@setd 0x402000 1 2 3
//
// Arguments are separated by blanks or commas. Arguments naming symbols are
// replaced with their addresses by Substitute before the annotations are
// compiled into patch records.
package annotate

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// An Annotation is one '@' line from a source file.
type Annotation struct {
	Directive string // lower case
	Args      []string
	Line      int // 1-based
}

func (a *Annotation) String() string {
	return "@" + a.Directive + " " + strings.Join(a.Args, " ")
}

func splitArgs(r rune) bool {
	return r == ' ' || r == '\t' || r == ','
}

// Parse reads every annotation in src, in source order. Lines that are not
// annotations are ignored. Text after a ';' or '#' is a comment.
func Parse(src io.Reader) ([]Annotation, error) {
	var anns []Annotation
	sc := bufio.NewScanner(src)
	sc.Buffer(nil, 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "@") {
			continue
		}
		if i := strings.IndexAny(line, ";#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.FieldsFunc(line[1:], splitArgs)
		if len(fields) == 0 {
			return nil, errors.Errorf("line %d: missing directive", n)
		}
		anns = append(anns, Annotation{
			Directive: strings.ToLower(fields[0]),
			Args:      fields[1:],
			Line:      n,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read source")
	}
	return anns, nil
}

// Substitute replaces every argument naming a symbol with the symbol's
// address, formatted as a hex literal. Annotations are modified in place.
// It returns the number of substitutions.
func Substitute(anns []Annotation, symbols map[string]uint32) int {
	var n int
	for i := range anns {
		args := anns[i].Args
		for j, arg := range args {
			if addr, ok := symbols[arg]; ok {
				args[j] = fmt.Sprintf("0x%08X", addr)
				n++
			}
		}
	}
	return n
}
