package jobs

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"ansible-mcp/internal/domain"
)

// Filter is a compiled job filter expression over a `job` map variable, e.g.
//
//	job.state == "Failed" && job.kind == "playbook"
type Filter struct {
	Expression string
	program    cel.Program
}

// NewFilter compiles expr. Expressions that fail to compile or cannot
// produce a bool are rejected as invalid input.
func NewFilter(expr string) (*Filter, error) {
	const op = "jobs.NewFilter"
	if expr == "" {
		return nil, domain.NewSubSystemError("filter", op, domain.ErrInvalidInput, "empty expression")
	}

	env, err := cel.NewEnv(
		cel.Variable("job", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, domain.NewSubSystemError("filter", op, domain.ErrInvalidInput, issues.Err().Error())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, domain.NewSubSystemError("filter", op, domain.ErrInvalidInput,
			fmt.Sprintf("expression yields %s, want bool", out))
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, domain.NewSubSystemError("filter", op, domain.ErrInvalidInput, err.Error())
	}
	return &Filter{Expression: expr, program: p}, nil
}

// Match reports whether job satisfies the expression. Evaluation errors,
// such as a reference to an unset exit code, count as no match.
func (f *Filter) Match(job domain.Job) bool {
	out, _, err := f.program.Eval(map[string]any{"job": jobVars(job)})
	if err != nil {
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}

func jobVars(job domain.Job) map[string]any {
	vars := map[string]any{
		"id":           job.ID,
		"kind":         string(job.Kind),
		"state":        string(job.State),
		"argv":         job.Argv,
		"reason":       job.Reason,
		"output_bytes": job.OutputBytes,
		"created_at":   job.CreatedAt,
	}
	if job.ExitCode != nil {
		vars["exit_code"] = int64(*job.ExitCode)
	}
	return vars
}
