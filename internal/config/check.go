package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaCUE string

// Schema problem codes (C100-C199).
const (
	ErrCodeSyntax = "C100" // file is not valid YAML
	ErrCodeSchema = "C101" // value violates the schema
)

// Problem is one schema violation.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

func (p Problem) String() string {
	if p.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", p.Code, p.Line, p.Field, p.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", p.Code, p.Field, p.Message)
}

// Check validates a YAML document against the embedded schema and returns
// every problem found, ordered by line. It does not apply defaults.
func Check(name string, data []byte) []Problem {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("config: embedded schema does not compile: %v", err))
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return []Problem{{Field: name, Message: err.Error(), Code: ErrCodeSyntax}}
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return problemsFrom(name, ErrCodeSyntax, err)
	}
	// An empty or comment-only document selects every default.
	if value.Kind() == cue.NullKind {
		return nil
	}

	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return problemsFrom(name, ErrCodeSchema, err)
	}
	return nil
}

func problemsFrom(name, code string, err error) []Problem {
	var problems []Problem
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		p := Problem{
			Field:   fieldPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
			Code:    code,
			Line:    lineIn(name, e),
		}
		key := p.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		problems = append(problems, p)
	}
	if len(problems) == 0 {
		problems = append(problems, Problem{Field: name, Message: err.Error(), Code: code})
	}
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Line < problems[j].Line })
	return problems
}

// fieldPath drops the schema's own definition label.
func fieldPath(path []string) string {
	if len(path) > 0 && path[0] == "#Config" {
		path = path[1:]
	}
	if len(path) == 0 {
		return "(root)"
	}
	return strings.Join(path, ".")
}

// lineIn returns the first position of e that points into the document.
func lineIn(name string, e cueerrors.Error) int {
	positions := append([]token.Pos{e.Position()}, e.InputPositions()...)
	for _, pos := range positions {
		if pos.IsValid() && pos.Filename() == name {
			return pos.Line()
		}
	}
	return 0
}
