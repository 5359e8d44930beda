// Package manifest loads and validates the workspace manifest: the ordered
// repo set, inter-repo dependency edges, and path remap rules used to pull
// external absolute include prefixes back into workspace-canonical keys.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cppdex/internal/logging"
	"cppdex/internal/types"
)

// RepoSpec is one repository entry in the manifest YAML.
type RepoSpec struct {
	RepoID          string   `yaml:"repo_id"`
	Root            string   `yaml:"root"`
	CompileCommands string   `yaml:"compile_commands"`
	DefaultBranch   string   `yaml:"default_branch"`
	DependsOn       []string `yaml:"depends_on"`
	RemoteURL       string   `yaml:"remote_url"`
	TokenEnvVar     string   `yaml:"token_env_var"`
	CommitSHA       string   `yaml:"commit_sha"`
}

// PathRemap redirects an external absolute prefix into a repo-relative one.
type PathRemap struct {
	FromPrefix string `yaml:"from_prefix"`
	ToRepoID   string `yaml:"to_repo_id"`
	ToPrefix   string `yaml:"to_prefix"`
}

// Manifest is the parsed workspace manifest.
type Manifest struct {
	WorkspaceID string      `yaml:"workspace_id"`
	Repos       []RepoSpec  `yaml:"repos"`
	PathRemaps  []PathRemap `yaml:"path_remaps"`

	// rootPath is the workspace directory the manifest was loaded from.
	rootPath string
	byID     map[string]*RepoSpec
}

// Load reads and validates a manifest YAML file. The workspace root is the
// directory containing the manifest.
func Load(path string) (*Manifest, error) {
	timer := logging.StartTimer(logging.CategoryManifest, "Load")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapE(types.KindManifest, err, "failed to read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, types.WrapE(types.KindManifest, err, "failed to parse manifest %s", path)
	}
	m.rootPath = filepath.Dir(path)

	if err := m.validate(); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryManifest).Info("manifest loaded: workspace=%s repos=%d remaps=%d",
		m.WorkspaceID, len(m.Repos), len(m.PathRemaps))
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.WorkspaceID == "" {
		return types.E(types.KindManifest, "workspace_id is required")
	}
	if len(m.Repos) == 0 {
		return types.E(types.KindManifest, "manifest declares no repos")
	}

	m.byID = make(map[string]*RepoSpec, len(m.Repos))
	rootsLower := make(map[string]string, len(m.Repos))
	for i := range m.Repos {
		r := &m.Repos[i]
		if r.RepoID == "" {
			return types.E(types.KindManifest, "repo at index %d has no repo_id", i)
		}
		if _, dup := m.byID[r.RepoID]; dup {
			return types.E(types.KindManifest, "duplicate repo_id %q", r.RepoID)
		}
		m.byID[r.RepoID] = r

		root := types.NormalizeRelPath(r.Root)
		lower := strings.ToLower(root)
		if prev, clash := rootsLower[lower]; clash && prev != root {
			// Case-insensitive filesystems cannot keep both checkouts apart.
			return types.E(types.KindManifest, "repo roots %q and %q collide by case", prev, root)
		}
		rootsLower[lower] = root
	}

	for _, r := range m.Repos {
		for _, dep := range r.DependsOn {
			if _, ok := m.byID[dep]; !ok {
				return types.E(types.KindManifest, "repo %q depends on unknown repo %q", r.RepoID, dep)
			}
		}
	}
	return m.checkAcyclic()
}

// checkAcyclic rejects dependency cycles with a three-color DFS.
func (m *Manifest) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(m.Repos))

	var visit func(id string, trail []string) error
	visit = func(id string, trail []string) error {
		switch color[id] {
		case grey:
			return types.E(types.KindManifest, "dependency cycle: %s", strings.Join(append(trail, id), " -> "))
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range m.byID[id].DependsOn {
			if err := visit(dep, append(trail, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, r := range m.Repos {
		if err := visit(r.RepoID, nil); err != nil {
			return err
		}
	}
	return nil
}

// RootPath returns the workspace directory.
func (m *Manifest) RootPath() string { return m.rootPath }

// Repo returns the spec for a repo id.
func (m *Manifest) Repo(repoID string) (*RepoSpec, bool) {
	r, ok := m.byID[repoID]
	return r, ok
}

// RepoIDs returns all repo ids in manifest order.
func (m *Manifest) RepoIDs() []string {
	ids := make([]string, 0, len(m.Repos))
	for _, r := range m.Repos {
		ids = append(ids, r.RepoID)
	}
	return ids
}

// RepoAbsRoot returns the absolute root directory of a repo.
func (m *Manifest) RepoAbsRoot(repoID string) (string, bool) {
	r, ok := m.byID[repoID]
	if !ok {
		return "", false
	}
	return filepath.Join(m.rootPath, filepath.FromSlash(r.Root)), true
}

// CompileCommandsPath returns the absolute compile_commands.json path for a
// repo, or empty when the repo declares none.
func (m *Manifest) CompileCommandsPath(repoID string) string {
	r, ok := m.byID[repoID]
	if !ok || r.CompileCommands == "" {
		return ""
	}
	cc := filepath.FromSlash(r.CompileCommands)
	if filepath.IsAbs(cc) {
		return cc
	}
	return filepath.Join(m.rootPath, filepath.FromSlash(r.Root), cc)
}

// CloseOver expands entry repos over depends_on edges up to maxHops. The
// result is sorted and deduplicated. maxHops <= 0 means entry repos only.
func (m *Manifest) CloseOver(entryRepos []string, maxHops int) []string {
	seen := make(map[string]bool)
	frontier := make([]string, 0, len(entryRepos))
	for _, id := range entryRepos {
		if _, ok := m.byID[id]; ok && !seen[id] {
			seen[id] = true
			frontier = append(frontier, id)
		}
	}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, dep := range m.byID[id].DependsOn {
				if !seen[dep] {
					seen[dep] = true
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveAbsPath maps an absolute path onto a workspace-canonical file key.
// Repo roots are tried first, then path_remaps for external prefixes.
// Returns ok=false for paths outside the workspace and all remap prefixes.
func (m *Manifest) ResolveAbsPath(absPath string) (types.FileKey, bool) {
	p := filepath.ToSlash(absPath)

	for _, r := range m.Repos {
		root := filepath.ToSlash(filepath.Join(m.rootPath, filepath.FromSlash(r.Root)))
		if rel, ok := trimPathPrefix(p, root); ok {
			return types.MakeFileKey(r.RepoID, rel), true
		}
	}

	for _, remap := range m.PathRemaps {
		from := filepath.ToSlash(remap.FromPrefix)
		if rel, ok := trimPathPrefix(p, from); ok {
			if _, known := m.byID[remap.ToRepoID]; !known {
				continue
			}
			mapped := types.NormalizeRelPath(remap.ToPrefix)
			if mapped != "" {
				rel = mapped + "/" + rel
			}
			return types.MakeFileKey(remap.ToRepoID, rel), true
		}
	}
	return "", false
}

// AbsPathForKey derives the absolute path for a canonical file key.
func (m *Manifest) AbsPathForKey(key types.FileKey) (string, bool) {
	repoID, rel := types.SplitFileKey(key)
	root, ok := m.RepoAbsRoot(repoID)
	if !ok || rel == "" {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(rel)), true
}

// trimPathPrefix strips a directory prefix from a slash path, insisting on a
// boundary so /a/bc does not match prefix /a/b.
func trimPathPrefix(p, prefix string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest == "" {
		return "", false
	}
	if rest[0] != '/' {
		return "", false
	}
	return strings.TrimPrefix(rest, "/"), true
}
