package taskspec

import (
	"fmt"
	"io"
	"strings"
)

// Print writes a human-readable rendering of spec to w, in the form:
//
//	fun <hex>  id:0 <hex> id:1 <hex> … ret:0 <hex> ret:1 <hex>
//
// A by-value argument renders as id:N val(len=L) instead of an ID.
//
// This is for log/debug inspection only; it is not a stable format
// and must never be parsed.
func Print(spec *Spec, w io.Writer) error {
	_, err := io.WriteString(w, Sprint(spec))
	return err
}

// Sprint renders spec the same way Print does, returning a string.
func Sprint(spec *Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fun %s ", spec.FunctionID().Hex())

	for i := int64(0); i < spec.NumArgs(); i++ {
		switch spec.ArgType(i) {
		case ArgByRef:
			fmt.Fprintf(&b, " id:%d %s", i, spec.ArgID(i).Hex())
		case ArgByVal:
			fmt.Fprintf(&b, " id:%d val(len=%d)", i, spec.ArgLength(i))
		}
	}

	for i := int64(0); i < spec.NumReturns(); i++ {
		fmt.Fprintf(&b, " ret:%d %s", i, spec.ReturnID(i).Hex())
	}
	return b.String()
}
