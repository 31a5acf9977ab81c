package pgargs

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// --------------------------------
// Test utilities
// --------------------------------

// assertNoError fails the test immediately if err != nil.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// diagList unwraps a joined error into its individual diagnostics.
func diagList(err error) []error {
	if err == nil {
		return nil
	}
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		return u.Unwrap()
	}
	return []error{err}
}

// mustRewrite rewrites a template and asserts no diagnostics were produced.
func mustRewrite(t *testing.T, template string) *Query {
	t.Helper()
	q, err := Rewrite(template)
	assertNoError(t, err)
	return q
}

// assertSingleDiag asserts that diags holds exactly one diagnostic matching want.
func assertSingleDiag(t *testing.T, diags []error, want error) {
	t.Helper()
	if len(diags) != 1 {
		t.Fatalf("diagnostics=%d, want 1: %v", len(diags), diags)
	}
	if !errors.Is(diags[0], want) {
		t.Fatalf("diagnostic = %v, want %v", diags[0], want)
	}
}

// TestRewrite_PlainReferences verifies basic substitution, dedup by exact name,
// and stable numbering when a name recurs.
func TestRewrite_PlainReferences(t *testing.T) {
	q := mustRewrite(t, "SELECT * FROM t WHERE a = $x OR b = $x AND c = $y")
	if want := "SELECT * FROM t WHERE a = $1 OR b = $1 AND c = $2"; q.SQL != want {
		t.Fatalf("SQL = %q, want %q", q.SQL, want)
	}
	if !reflect.DeepEqual(q.Names, []string{"x", "y"}) {
		t.Fatalf("Names = %v, want [x y]", q.Names)
	}
	if len(q.Fragments) != 0 {
		t.Fatalf("Fragments = %v, want none", q.Fragments)
	}
}

// TestRewrite_FirstOccurrenceOrder verifies that the names list has exactly one
// entry per distinct name, ordered by first occurrence, regardless of repetition.
func TestRewrite_FirstOccurrenceOrder(t *testing.T) {
	q := mustRewrite(t, "$c $a $c $b $a $c")
	if want := "$1 $2 $1 $3 $2 $1"; q.SQL != want {
		t.Fatalf("SQL = %q, want %q", q.SQL, want)
	}
	if !reflect.DeepEqual(q.Names, []string{"c", "a", "b"}) {
		t.Fatalf("Names = %v, want [c a b]", q.Names)
	}
}

// TestRewrite_GroupSyntax verifies that $[a, b] ... $[..] rewrites byte-for-byte
// to the same output as writing the plain references by hand.
func TestRewrite_GroupSyntax(t *testing.T) {
	templates := []string{
		"INSERT INTO fred_flintstone(a, $[b, c])\nVALUES(true, $[..]);",
		"INSERT INTO fred_flintstone(a, b, c)\nVALUES(true, $b, $c);",
	}
	want := "INSERT INTO fred_flintstone(a, b, c)\nVALUES(true, $1, $2);"

	for _, template := range templates {
		q := mustRewrite(t, template)
		if q.SQL != want {
			t.Fatalf("SQL = %q, want %q\nTEMPLATE: %s", q.SQL, want, template)
		}
		if !reflect.DeepEqual(q.Names, []string{"b", "c"}) {
			t.Fatalf("Names = %v, want [b c]", q.Names)
		}
	}
}

// TestRewrite_MultipleSubstitutions verifies that names referenced again after a
// group keep the index assigned at first occurrence.
func TestRewrite_MultipleSubstitutions(t *testing.T) {
	q := mustRewrite(t,
		"INSERT INTO t(a, b, c) VALUES(true, $b, $c) ON CONFLICT DO UPDATE SET b = $b WHERE c = $c;")
	want := "INSERT INTO t(a, b, c) VALUES(true, $1, $2) ON CONFLICT DO UPDATE SET b = $1 WHERE c = $2;"
	if q.SQL != want {
		t.Fatalf("SQL = %q, want %q", q.SQL, want)
	}
}

// TestRewrite_QualifiedNamesInGroup verifies the terminator-set compatibility:
// '.' is group text, so qualified names pass through and index as whole names.
func TestRewrite_QualifiedNamesInGroup(t *testing.T) {
	q := mustRewrite(t, "INSERT INTO t ($[t.a, t.b]) VALUES ($[..]);")
	if want := "INSERT INTO t (t.a, t.b) VALUES ($1, $2);"; q.SQL != want {
		t.Fatalf("SQL = %q, want %q", q.SQL, want)
	}
	if !reflect.DeepEqual(q.Names, []string{"t.a", "t.b"}) {
		t.Fatalf("Names = %v, want [t.a t.b]", q.Names)
	}
}

// TestRewrite_GroupDiagnostics runs the group lifecycle and bracket error
// cases, asserting exactly one diagnostic per template.
func TestRewrite_GroupDiagnostics(t *testing.T) {
	tests := []struct {
		template string
		want     error
	}{
		{
			"INSERT INTO some_table (one, two, three) VALUES ($one, $two, $three, $[..]);",
			ErrGroupNotDefined,
		},
		{
			"INSERT INTO some_table ($[one, two, three]) VALUES ($[..], $[..]);",
			ErrGroupNotDefined,
		},
		{
			"INSERT INTO some_table ($[one, two, three], $[one, two, three]) VALUES ($[..]);",
			ErrGroupNotUsed,
		},
		{
			"INSERT INTO some_table ($[one, two, three]) VALUES ($one, $two, $three);",
			ErrLastGroupNotUsed,
		},
		{
			"INSERT INTO some_table ($[one, two, three) VALUES ($[..]);",
			ErrUnclosedGroup,
		},
		{
			"INSERT INTO some_table ($ one, two, three]) VALUES ($[..]);",
			ErrExpectedIdent,
		},
		{
			"INSERT INTO some_table ($[one, two,]) VALUES ($[..]);",
			ErrEmptyGroupEntry,
		},
	}

	for _, tt := range tests {
		_, _, _, diags := rewrite(tt.template)
		assertSingleDiag(t, diags, tt.want)
	}
}

// TestRewrite_EarlyAbort_ReturnsPartialTemplate verifies that the
// non-recoverable cases stop scanning and hand back what was built so far.
func TestRewrite_EarlyAbort_ReturnsPartialTemplate(t *testing.T) {
	out, names, _, diags := rewrite("SELECT $a FROM t WHERE $")
	assertSingleDiag(t, diags, ErrExpectedIdent)
	if want := "SELECT $1 FROM t WHERE "; out != want {
		t.Fatalf("partial = %q, want %q", out, want)
	}
	if !reflect.DeepEqual(names, []string{"a"}) {
		t.Fatalf("names = %v, want [a]", names)
	}

	out, _, _, diags = rewrite("SELECT $a, $[b, c FROM t")
	assertSingleDiag(t, diags, ErrUnclosedGroup)
	if want := "SELECT $1, "; out != want {
		t.Fatalf("partial = %q, want %q", out, want)
	}
}

// TestRewrite_EmptyGroupEntry_Recovers verifies that a trailing comma reports a
// diagnostic but scanning completes and the remaining entries still index.
func TestRewrite_EmptyGroupEntry_Recovers(t *testing.T) {
	out, names, _, diags := rewrite("INSERT INTO t ($[one, two,]) VALUES ($[..]);")
	assertSingleDiag(t, diags, ErrEmptyGroupEntry)
	if want := "INSERT INTO t (one, two,) VALUES ($1, $2);"; out != want {
		t.Fatalf("SQL = %q, want %q", out, want)
	}
	if !reflect.DeepEqual(names, []string{"one", "two"}) {
		t.Fatalf("names = %v, want [one two]", names)
	}
}

// TestRewrite_MultipleDiagnosticsAccumulate verifies that independent
// recoverable mistakes in one template are all reported in a single pass.
func TestRewrite_MultipleDiagnosticsAccumulate(t *testing.T) {
	_, _, _, diags := rewrite("INSERT INTO t ($[a,]) VALUES ($[..]) -- $[..]")
	if len(diags) != 2 {
		t.Fatalf("diagnostics=%d, want 2: %v", len(diags), diags)
	}
	if !errors.Is(diags[0], ErrEmptyGroupEntry) {
		t.Fatalf("diag[0] = %v, want %v", diags[0], ErrEmptyGroupEntry)
	}
	if !errors.Is(diags[1], ErrGroupNotDefined) {
		t.Fatalf("diag[1] = %v, want %v", diags[1], ErrGroupNotDefined)
	}
}

// TestRewrite_Fragments verifies fragment markers: each occurrence emits a {}
// hole, occurrences are not deduplicated, and names record in occurrence order.
func TestRewrite_Fragments(t *testing.T) {
	q, err := Rewrite("$xx, ${a}, ${a} ${order}")
	assertNoError(t, err)
	if want := "$1, {}, {} {}"; q.SQL != want {
		t.Fatalf("SQL = %q, want %q", q.SQL, want)
	}
	if !reflect.DeepEqual(q.Names, []string{"xx"}) {
		t.Fatalf("Names = %v, want [xx]", q.Names)
	}
	if !reflect.DeepEqual(q.Fragments, []string{"a", "a", "order"}) {
		t.Fatalf("Fragments = %v, want [a a order]", q.Fragments)
	}
}

// TestRewrite_FragmentDiagnostics verifies the empty-identifier abort and the
// recoverable unterminated close brace.
func TestRewrite_FragmentDiagnostics(t *testing.T) {
	_, _, _, diags := rewrite("SELECT ${} FROM t")
	assertSingleDiag(t, diags, ErrFragmentIdent)

	out, _, fragments, diags := rewrite("SELECT ${a FROM t")
	assertSingleDiag(t, diags, ErrFragmentUnclosed)
	if !reflect.DeepEqual(fragments, []string{"a"}) {
		t.Fatalf("fragments = %v, want [a]", fragments)
	}
	if !strings.HasPrefix(out, "SELECT {}") {
		t.Fatalf("output should still carry the hole: %q", out)
	}
}

// TestRewrite_LiteralBracesAreEscaped verifies that braces already present in
// the template are doubled so the formatting pass leaves them intact.
func TestRewrite_LiteralBracesAreEscaped(t *testing.T) {
	q := mustRewrite(t, "SELECT '{x}' WHERE a = $a")
	if want := "SELECT '{{x}}' WHERE a = $1"; q.SQL != want {
		t.Fatalf("SQL = %q, want %q", q.SQL, want)
	}

	// The formatting pass restores them once fragments (here: none) resolve.
	out, _, err := q.Resolve(Args(map[string]any{"a": 1}))
	assertNoError(t, err)
	if want := "SELECT '{x}' WHERE a = $1"; out != want {
		t.Fatalf("resolved = %q, want %q", out, want)
	}
}

// TestRewrite_NoMarkers verifies that a template without markers passes through
// unchanged with empty name lists.
func TestRewrite_NoMarkers(t *testing.T) {
	q := mustRewrite(t, "SELECT 1;")
	if q.SQL != "SELECT 1;" || len(q.Names) != 0 || len(q.Fragments) != 0 {
		t.Fatalf("unexpected result: %+v", q)
	}
}

// TestRewrite_Idempotent verifies purity: scanning the same template twice
// yields identical output and identical diagnostics.
func TestRewrite_Idempotent(t *testing.T) {
	template := "INSERT INTO t ($[a, b]) VALUES ($[..]) RETURNING $id, ${frag}"

	out1, names1, frags1, diags1 := rewrite(template)
	out2, names2, frags2, diags2 := rewrite(template)
	if out1 != out2 || !reflect.DeepEqual(names1, names2) || !reflect.DeepEqual(frags1, frags2) {
		t.Fatalf("rewrite not deterministic:\n1: %q %v %v\n2: %q %v %v", out1, names1, frags1, out2, names2, frags2)
	}
	if len(diags1) != len(diags2) {
		t.Fatalf("diagnostics differ between runs: %v vs %v", diags1, diags2)
	}
}

// TestRewrite_CacheReplaysDiagnostics verifies that the memoized Rewrite path
// returns the same Query and the same joined error on repeated calls.
func TestRewrite_CacheReplaysDiagnostics(t *testing.T) {
	template := "SELECT $a FROM t WHERE $[..]"

	q1, err1 := Rewrite(template)
	q2, err2 := Rewrite(template)
	if q1 != q2 {
		t.Fatalf("expected cached *Query to be reused")
	}
	if !errors.Is(err1, ErrGroupNotDefined) || !errors.Is(err2, ErrGroupNotDefined) {
		t.Fatalf("cached diagnostics lost: err1=%v err2=%v", err1, err2)
	}
}

// TestExpand_BraceHandling exercises the formatting pass directly: holes fill
// in order and doubled braces collapse.
func TestExpand_BraceHandling(t *testing.T) {
	out := expand("a {} b {{c}} {}", []string{"X", "Y"})
	if want := "a X b {c} Y"; out != want {
		t.Fatalf("expand = %q, want %q", out, want)
	}
}
