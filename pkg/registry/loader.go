package registry

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// The builtin policy files carry the complete oneM2M attribute tables this
// CSE supports out of the box. A policy directory from the configuration may
// extend them with additional enums, complex types and flexContainer
// specializations; it cannot replace builtin declarations.
//
//go:embed builtin/*.cue
var builtinFS embed.FS

// Load compiles the builtin policy files, overlays every .cue file found
// under dir (recursively, empty dir means builtins only) and resolves the
// result into a snapshot with the given version.
func Load(dir string, version int64) (*Snapshot, error) {
	value, files, err := compilePolicies(dir)
	if err != nil {
		return nil, err
	}

	var doc policyDocument
	if err := value.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %s", cueDetail(err))
	}

	snap, err := buildSnapshot(&doc, version, files)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy snapshot: %w", err)
	}
	return snap, nil
}

// compilePolicies unifies all builtin and user policy sources into one
// concrete CUE value.
func compilePolicies(dir string) (cue.Value, []string, error) {
	ctx := cuecontext.New()

	builtins, err := fs.Glob(builtinFS, "builtin/*.cue")
	if err != nil {
		return cue.Value{}, nil, fmt.Errorf("failed to list builtin policies: %w", err)
	}
	sort.Strings(builtins)

	var (
		merged cue.Value
		first  = true
		files  []string
	)
	unify := func(path string, src []byte) error {
		v := ctx.CompileBytes(src, cue.Filename(path))
		if v.Err() != nil {
			return fmt.Errorf("failed to compile %s: %s", path, cueDetail(v.Err()))
		}
		if first {
			merged = v
			first = false
		} else {
			merged = merged.Unify(v)
			if merged.Err() != nil {
				return fmt.Errorf("failed to merge %s: %s", path, cueDetail(merged.Err()))
			}
		}
		files = append(files, path)
		return nil
	}

	for _, name := range builtins {
		src, err := builtinFS.ReadFile(name)
		if err != nil {
			return cue.Value{}, nil, fmt.Errorf("failed to read builtin policy %s: %w", name, err)
		}
		if err := unify(name, src); err != nil {
			return cue.Value{}, nil, err
		}
	}

	if dir != "" {
		userFiles, err := findPolicyFiles(dir)
		if err != nil {
			return cue.Value{}, nil, err
		}
		for _, path := range userFiles {
			src, err := os.ReadFile(path)
			if err != nil {
				return cue.Value{}, nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			if err := unify(path, src); err != nil {
				return cue.Value{}, nil, err
			}
		}
	}

	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, nil, fmt.Errorf("policy validation failed: %s", cueDetail(err))
	}
	return merged, files, nil
}

// findPolicyFiles walks dir and returns all .cue files in a stable order.
func findPolicyFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".cue") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// cueDetail renders a CUE error list with file positions into a single
// message.
func cueDetail(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	var sb strings.Builder
	for i, e := range errs {
		if i > 0 {
			sb.WriteString("; ")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			fmt.Fprintf(&sb, "%s:%d: ", pos[0].Filename(), pos[0].Line())
		}
		sb.WriteString(e.Error())
	}
	return sb.String()
}
