package pipeline

import (
	"os"
	"regexp"

	"github.com/richinsley/gorenderbridge/protocol"
)

var (
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	structDecl   = regexp.MustCompile(`(?m)^\s*struct\s+([A-Za-z_]\w*)`)
	funcDecl     = regexp.MustCompile(`(?m)^\s*(?:(?:const|highp|mediump|lowp|precise)\s+)*([A-Za-z_]\w*)\s+([A-Za-z_]\w*)\s*\([^;{}()]*\)\s*\{`)
	includeDecl  = regexp.MustCompile(`(?m)^\s*#include\s+["<]([^">]+)[">]`)
)

var notFunctions = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "return": true, "else": true,
}

// ScanLibrary lists the structs, functions and includes declared in GLSL
// source. Only top-level definitions are found.
func ScanLibrary(src string) (structs, functions, includes []string) {
	src = blockComment.ReplaceAllString(src, "")
	src = lineComment.ReplaceAllString(src, "")

	for _, m := range structDecl.FindAllStringSubmatch(src, -1) {
		structs = append(structs, m[1])
	}
	for _, m := range funcDecl.FindAllStringSubmatch(src, -1) {
		if notFunctions[m[1]] || notFunctions[m[2]] {
			continue
		}
		functions = append(functions, m[2])
	}
	for _, m := range includeDecl.FindAllStringSubmatch(src, -1) {
		includes = append(includes, m[1])
	}
	return structs, functions, includes
}

// ReflectFiles scans each file. Unreadable files fail the whole request so
// the host sees which path was wrong.
func ReflectFiles(paths []string) protocol.Reflection {
	var out protocol.Reflection
	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err != nil {
			return protocol.Reflection{Error: err.Error()}
		}
		structs, functions, includes := ScanLibrary(string(src))
		out.Libraries = append(out.Libraries, protocol.Library{
			Path:      p,
			Structs:   structs,
			Functions: functions,
			Paths:     includes,
		})
	}
	return out
}
