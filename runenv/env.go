// Package runenv builds the process environment for an instance. Synthesis
// is pure: it never probes the system and never fails on missing runtimes;
// refusing to launch is the supervisor's job.
//
// Layers, later wins on key collision:
//
//  1. Base OS environment
//  2. Detected-dependency entries (bin dirs prepended to PATH,
//     LAUNCHPAD_<DEP>_BIN markers)
//  3. Profile variables (LAUNCHPAD_PROFILE, LAUNCHPAD_HOME)
//  4. The instance's .env.local file
//  5. Declared registry overrides
package runenv

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/openclaw/launchpad/probe"
	"github.com/openclaw/launchpad/registry"
)

// EnvFileName is the per-instance override file read from the data
// directory, matching what the managed application itself reads.
const EnvFileName = ".env.local"

// Synthesize builds the full environment map for inst. base is the host
// environment in "KEY=VALUE" form (normally os.Environ()); probed is a live
// probe result. Absent dependencies are simply omitted.
func Synthesize(base []string, inst *registry.Instance, probed probe.Result) map[string]string {
	env := parseEnviron(base)

	// Dependency-derived entries. Each present runtime's directory goes to
	// the front of PATH so instance processes resolve the probed tool, not
	// whatever else the host has.
	var binDirs []string
	for _, name := range probe.Known() {
		st, ok := probed[name]
		if !ok || !st.Present || st.Path == "" {
			continue
		}
		dir := filepath.Dir(st.Path)
		binDirs = append(binDirs, dir)
		env["LAUNCHPAD_"+strings.ToUpper(string(name))+"_BIN"] = dir
	}
	if inst != nil {
		// Locally installed tool shims take priority over the runtimes.
		nodeBin := filepath.Join(inst.Path, "node_modules", ".bin")
		if info, err := os.Stat(nodeBin); err == nil && info.IsDir() {
			binDirs = append([]string{nodeBin}, binDirs...)
		}
	}
	if len(binDirs) > 0 {
		env["PATH"] = prependPath(env["PATH"], binDirs)
	}

	if inst != nil {
		env["LAUNCHPAD_PROFILE"] = inst.Name
		env["LAUNCHPAD_HOME"] = inst.Path

		for k, v := range readEnvFile(inst.Path) {
			env[k] = v
		}
		for k, v := range inst.EnvOverrides {
			env[k] = v
		}
	}

	return env
}

// LookupDirs returns the directories an instance's own environment layers
// put in front of PATH: declared overrides first, then the .env.local file.
// The dependency gate searches these before the host PATH so it judges the
// binaries the instance would actually run.
func LookupDirs(inst *registry.Instance) []string {
	if inst == nil {
		return nil
	}
	var dirs []string
	seen := make(map[string]bool)
	add := func(path string) {
		for _, dir := range strings.Split(path, string(os.PathListSeparator)) {
			if dir != "" && !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	if path, ok := inst.EnvOverrides["PATH"]; ok {
		add(path)
	}
	if path, ok := readEnvFile(inst.Path)["PATH"]; ok {
		add(path)
	}
	return dirs
}

// ToList converts an environment map to the sorted "KEY=VALUE" slice
// expected by exec.Cmd.
func ToList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func parseEnviron(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}

// prependPath puts dirs ahead of path, dropping duplicates while keeping
// the first occurrence.
func prependPath(path string, dirs []string) string {
	seen := make(map[string]bool, len(dirs))
	var parts []string
	for _, dir := range dirs {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			parts = append(parts, dir)
		}
	}
	for _, dir := range strings.Split(path, string(os.PathListSeparator)) {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			parts = append(parts, dir)
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// readEnvFile loads the instance's .env.local. A missing or malformed file
// contributes nothing; overrides must never block a launch.
func readEnvFile(instancePath string) map[string]string {
	path := filepath.Join(instancePath, EnvFileName)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	entries, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return entries
}
