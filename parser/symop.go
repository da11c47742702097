package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Symop is a crystallographic symmetry operation acting on fractional
// coordinates: x' = Rot·x + Trans.
type Symop struct {
	Rot   [3][3]float64
	Trans [3]float64
}

// Identity is the x,y,z operation.
var Identity = Symop{Rot: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}

// Operation strings repeat across files with the same space group, so
// parsed operations are shared through a bounded cache. lru.Cache is safe
// for concurrent use.
var symopCache *lru.Cache[string, Symop]

func init() {
	cache, err := lru.New[string, Symop](4096)
	if err != nil {
		panic(err)
	}
	symopCache = cache
}

// ParseSymop parses an operation written as three comma separated
// expressions, e.g. "-x+1/2, y, z+0.5".
func ParseSymop(s string) (Symop, error) {
	key := strings.ToLower(strings.Join(strings.Fields(s), ""))
	key = strings.Trim(key, "'\"")
	if op, ok := symopCache.Get(key); ok {
		return op, nil
	}

	parts := strings.Split(key, ",")
	if len(parts) != 3 {
		return Symop{}, fmt.Errorf("symmetry operation %q: want 3 components, got %d", s, len(parts))
	}

	var op Symop
	for row, part := range parts {
		if err := parseComponent(part, &op.Rot[row], &op.Trans[row]); err != nil {
			return Symop{}, fmt.Errorf("symmetry operation %q: %w", s, err)
		}
	}
	symopCache.Add(key, op)
	return op, nil
}

func parseComponent(expr string, rot *[3]float64, trans *float64) error {
	if expr == "" {
		return fmt.Errorf("empty component")
	}
	i := 0
	for i < len(expr) {
		sign := 1.0
		if expr[i] == '+' || expr[i] == '-' {
			if expr[i] == '-' {
				sign = -1
			}
			i++
		}
		if i >= len(expr) {
			return fmt.Errorf("dangling sign in %q", expr)
		}

		j := i
		for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.' || expr[j] == '/') {
			j++
		}
		coef := 1.0
		hasNumber := j > i
		if hasNumber {
			v, err := ParseNumber(expr[i:j])
			if err != nil {
				return err
			}
			coef = v
		}
		if j < len(expr) && expr[j] == '*' {
			j++
		}

		if j < len(expr) && expr[j] >= 'x' && expr[j] <= 'z' {
			rot[expr[j]-'x'] += sign * coef
			j++
		} else if hasNumber {
			*trans += sign * coef
		} else {
			return fmt.Errorf("unexpected %q in %q", expr[i:i+1], expr)
		}
		i = j
	}
	return nil
}

// Apply maps fractional coordinates through the operation.
func (op Symop) Apply(x [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = op.Rot[i][0]*x[0] + op.Rot[i][1]*x[1] + op.Rot[i][2]*x[2] + op.Trans[i]
	}
	return out
}

// Compose returns op∘other, the operation applying other first.
func (op Symop) Compose(other Symop) Symop {
	var out Symop
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out.Rot[i][j] += op.Rot[i][k] * other.Rot[k][j]
			}
		}
		out.Trans[i] = op.Rot[i][0]*other.Trans[0] + op.Rot[i][1]*other.Trans[1] + op.Rot[i][2]*other.Trans[2] + op.Trans[i]
	}
	return out
}

// Equal reports whether two operations match modulo lattice translations.
func (op Symop) Equal(other Symop, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(op.Rot[i][j]-other.Rot[i][j]) > tol {
				return false
			}
		}
		d := op.Trans[i] - other.Trans[i]
		d -= math.Round(d)
		if math.Abs(d) > tol {
			return false
		}
	}
	return true
}

// IsTranslation reports whether the rotation part is the identity.
func (op Symop) IsTranslation() bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if op.Rot[i][j] != want {
				return false
			}
		}
	}
	return true
}

// String formats the operation in x,y,z notation.
func (op Symop) String() string {
	parts := make([]string, 3)
	for i := 0; i < 3; i++ {
		var b strings.Builder
		for j, axis := range []string{"x", "y", "z"} {
			c := op.Rot[i][j]
			switch {
			case c == 1:
				if b.Len() > 0 {
					b.WriteByte('+')
				}
				b.WriteString(axis)
			case c == -1:
				b.WriteByte('-')
				b.WriteString(axis)
			case c != 0:
				if c > 0 && b.Len() > 0 {
					b.WriteByte('+')
				}
				b.WriteString(strconv.FormatFloat(c, 'g', -1, 64))
				b.WriteString(axis)
			}
		}
		t := op.Trans[i] - math.Floor(op.Trans[i])
		if t > 1e-9 && t < 1-1e-9 {
			b.WriteByte('+')
			b.WriteString(strconv.FormatFloat(t, 'g', 6, 64))
		}
		if b.Len() == 0 {
			b.WriteByte('0')
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ",")
}

// ParseSymops parses a list of operations, rejecting an empty list.
func ParseSymops(exprs []string) ([]Symop, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("no symmetry operations")
	}
	ops := make([]Symop, 0, len(exprs))
	for _, e := range exprs {
		op, err := ParseSymop(e)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
