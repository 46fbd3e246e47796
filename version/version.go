// Package version reads the build information the Go toolchain embeds
// in the binary: module versions, the VCS revision and the toolchain
// itself. The cli surfaces it under `arcflow version`.
package version

import (
	"runtime/debug"
	"sort"
)

// Dependency is one module in the build.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	// Replace names the replacement module when a replace directive was
	// active at build time.
	Replace string `json:"replace,omitempty"`
}

// Info is the embedded build record.
type Info struct {
	GoVersion    string       `json:"goVersion"`
	Module       string       `json:"module"`
	Revision     string       `json:"revision,omitempty"`
	Modified     bool         `json:"modified,omitempty"`
	Dependencies []Dependency `json:"dependencies"`
}

// Build extracts the build record from the running binary. Binaries
// built without module support come back mostly empty rather than nil.
func Build() Info {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{GoVersion: "unknown", Module: "unknown", Dependencies: []Dependency{}}
	}

	info := Info{
		GoVersion:    bi.GoVersion,
		Module:       bi.Path,
		Dependencies: make([]Dependency, 0, len(bi.Deps)),
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	for _, dep := range bi.Deps {
		d := Dependency{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		info.Dependencies = append(info.Dependencies, d)
	}
	sort.Slice(info.Dependencies, func(i, j int) bool {
		return info.Dependencies[i].Path < info.Dependencies[j].Path
	})
	return info
}

// Of returns the built version of one dependency.
func Of(modulePath string) (string, bool) {
	for _, dep := range Build().Dependencies {
		if dep.Path == modulePath {
			if dep.Replace != "" {
				return dep.Replace, true
			}
			return dep.Version, true
		}
	}
	return "", false
}
