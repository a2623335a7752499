package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// DumpBugReport writes a diagnostic file for an UnexpectedError: manifest
// and lockfile contents, a stack trace, argv, the PATH environment
// variable, and platform/Go-version information. dir is typically the
// cache folder; the returned path is where the caller should tell the
// user to look.
func DumpBugReport(dir string, cause error, root *Manifest, lockfile *Lockfile) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "kiln bug report\n")
	fmt.Fprintf(&b, "generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "== error ==\n%v\n\n", cause)
	fmt.Fprintf(&b, "== stack ==\n%s\n\n", debug.Stack())

	fmt.Fprintf(&b, "== argv ==\n%s\n\n", strings.Join(os.Args, " "))
	fmt.Fprintf(&b, "== PATH ==\n%s\n\n", os.Getenv("PATH"))
	fmt.Fprintf(&b, "== platform ==\nos=%s arch=%s go=%s\n\n", runtime.GOOS, runtime.GOARCH, runtime.Version())

	if root != nil {
		fmt.Fprintf(&b, "== manifest ==\nname=%s version=%s\ndependencies=%v\ndevDependencies=%v\noptionalDependencies=%v\npeerDependencies=%v\n\n",
			root.Name, root.Version, root.Dependencies, root.DevDependencies, root.OptionalDependencies, root.PeerDependencies)
	}

	if lockfile != nil {
		fmt.Fprintf(&b, "== lockfile ==\n%s\n", lockfile.Serialize())
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("kiln-bug-report-%d.log", time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// TraceStringFor renders err in its terse trace form when it (or
// something it wraps) implements traceError, falling back to Error().
// Used for verbose logging, mirroring how Logger.Warnf keeps normal
// messages short.
func TraceStringFor(err error) string {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if te, ok := e.(traceError); ok {
			return te.traceString()
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return err.Error()
}
