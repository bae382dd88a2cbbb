package main

import (
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

// defaultOutputDir resolves the output_dir default a scenario run logs to
// when the caller didn't override it: dmt-logs under the enclosing module's
// root, so running dmtrun from a package subdirectory still writes to one
// place, rather than scattering a dmt-logs directory under whatever the
// current working directory happens to be.
//
// Walking up for go.mod and parsing it with modfile mirrors the teacher's
// own findOriginalGoMod/modfile.Parse pair in
// cmd/racedetector/runtime/link.go; falls back to "dmt-logs" in the
// current directory if no enclosing module can be found or parsed.
func defaultOutputDir() string {
	root, err := findModuleRoot()
	if err != nil {
		return "dmt-logs"
	}
	return filepath.Join(root, "dmt-logs")
}

// findModuleRoot walks up from the current working directory looking for
// the nearest go.mod, then parses it just far enough to confirm it is a
// well-formed module file before trusting its directory as the root.
func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		modPath := filepath.Join(dir, "go.mod")
		if data, err := os.ReadFile(modPath); err == nil {
			if _, err := modfile.Parse(modPath, data, nil); err == nil {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
