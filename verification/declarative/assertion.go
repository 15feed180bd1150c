package declarative

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// MaxAssertionLength bounds how long an assertion expression string may be.
const MaxAssertionLength = 500

// whitelistedCalls are the only bare function names an assertion may
// invoke. Anything else — method calls, attribute access, constructors —
// fails closed.
var whitelistedCalls = map[string]bool{
	"len": true, "abs": true, "min": true, "max": true, "sum": true,
	"any": true, "all": true, "sorted": true, "range": true,
	"str": true, "int": true, "float": true, "bool": true,
}

// evaluateAssertion parses expression, walks its AST against the
// whitelist, and — only if every node is allowed — runs it in a fresh
// goja.Runtime with only `output` and the whitelisted builtins bound.
// Any disallowed construct fails the test with message "unsupported".
func evaluateAssertion(expression string, output interface{}) (bool, string) {
	if len(expression) == 0 || len(expression) > MaxAssertionLength {
		return false, "unsupported"
	}

	program, err := parser.ParseFile(nil, "assertion.js", expression, 0)
	if err != nil {
		return false, "unsupported"
	}
	if len(program.Body) != 1 {
		return false, "unsupported"
	}
	stmt, ok := program.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return false, "unsupported"
	}
	if !isWhitelisted(stmt.Expression) {
		return false, "unsupported"
	}

	vm := goja.New()
	if err := bindBuiltins(vm); err != nil {
		return false, "unsupported"
	}
	_ = vm.Set("output", output)

	value, err := vm.RunString(expression)
	if err != nil {
		return false, "assertion raised an error"
	}
	return value.ToBoolean(), ""
}

// isWhitelisted recursively checks an expression node against the
// allowed subset: arithmetic, comparison, boolean, membership,
// subscript, conditional, literals, and whitelisted calls. No attribute
// access, no function literals, no assignment.
func isWhitelisted(node ast.Expression) bool {
	switch n := node.(type) {
	case nil:
		return true
	case *ast.NumberLiteral, *ast.StringLiteral, *ast.BooleanLiteral, *ast.NullLiteral:
		return true
	case *ast.Identifier:
		return n.Name == "output"
	case *ast.BinaryExpression:
		return isWhitelisted(n.Left) && isWhitelisted(n.Right)
	case *ast.UnaryExpression:
		return isWhitelisted(n.Operand)
	case *ast.ConditionalExpression:
		return isWhitelisted(n.Test) && isWhitelisted(n.Consequent) && isWhitelisted(n.Alternate)
	case *ast.SequenceExpression:
		for _, e := range n.Sequence {
			if !isWhitelisted(e) {
				return false
			}
		}
		return true
	case *ast.ArrayLiteral:
		for _, e := range n.Value {
			if !isWhitelisted(e) {
				return false
			}
		}
		return true
	case *ast.BracketExpression:
		return isWhitelisted(n.Left) && isWhitelisted(n.Member)
	case *ast.CallExpression:
		callee, ok := n.Callee.(*ast.Identifier)
		if !ok || !whitelistedCalls[callee.Name] {
			return false
		}
		for _, arg := range n.ArgumentList {
			if !isWhitelisted(arg) {
				return false
			}
		}
		return true
	default:
		// Dot/member access, function literals, assignments, new,
		// templates, regex literals — anything not explicitly listed
		// above fails closed.
		return false
	}
}

func bindBuiltins(vm *goja.Runtime) error {
	_, err := vm.RunString(builtinAssertionFunctions)
	return err
}

const builtinAssertionFunctions = `
function len(x) { return x.length !== undefined ? x.length : Object.keys(x).length; }
function abs(x) { return Math.abs(x); }
function min(...xs) { return xs.length === 1 && Array.isArray(xs[0]) ? Math.min.apply(null, xs[0]) : Math.min.apply(null, xs); }
function max(...xs) { return xs.length === 1 && Array.isArray(xs[0]) ? Math.max.apply(null, xs[0]) : Math.max.apply(null, xs); }
function sum(xs) { return xs.reduce(function(a, b) { return a + b; }, 0); }
function any(xs) { return xs.some(function(x) { return !!x; }); }
function all(xs) { return xs.every(function(x) { return !!x; }); }
function sorted(xs) { return xs.slice().sort(); }
function range(n) { return Array.from({length: n}, function(_, i) { return i; }); }
function str(x) { return String(x); }
function int(x) { return Math.trunc(Number(x)); }
function float(x) { return Number(x); }
function bool(x) { return !!x; }
`
