package jobs

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"cppdex/internal/contextmgr"
	"cppdex/internal/logging"
	"cppdex/internal/manifest"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

// CheckoutDetached brings a repo checkout to the exact commit SHA: clone if
// the directory is not a git checkout yet, fetch otherwise, then a detached
// checkout. Auth tokens come from the manifest's env-var indirection and
// never land in the store.
func CheckoutDetached(ctx context.Context, gitPath, root string, repo *manifest.RepoSpec, sha string) error {
	log := logging.Get(logging.CategorySync)
	if sha == "" {
		return types.E(types.KindValidation, "repo sync requires an exact commit sha")
	}

	gitDir := filepath.Join(root, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if repo.RemoteURL == "" {
			return types.E(types.KindSyncCheckoutFailed, "repo %s has no checkout and no remote_url", repo.RepoID)
		}
		url, err := authenticatedURL(repo)
		if err != nil {
			return err
		}
		log.Info("cloning %s into %s", repo.RepoID, root)
		if out, err := runGit(ctx, gitPath, "", "clone", "--no-checkout", url, root); err != nil {
			return classifyGitError(err, out)
		}
	} else if repo.RemoteURL != "" {
		url, err := authenticatedURL(repo)
		if err != nil {
			return err
		}
		if out, err := runGit(ctx, gitPath, root, "fetch", url, sha); err != nil {
			// Some servers refuse direct SHA fetches; fall back to a full
			// fetch before giving up.
			if out2, err2 := runGit(ctx, gitPath, root, "fetch", url); err2 != nil {
				return classifyGitError(err2, out+out2)
			}
		}
	}

	if out, err := runGit(ctx, gitPath, root, "checkout", "--detach", sha); err != nil {
		return classifyGitError(err, out)
	}
	log.Info("repo %s at %s", repo.RepoID, sha)
	return nil
}

// authenticatedURL injects the token from the repo's token_env_var into an
// https remote URL.
func authenticatedURL(repo *manifest.RepoSpec) (string, error) {
	url := repo.RemoteURL
	if repo.TokenEnvVar == "" {
		return url, nil
	}
	token := os.Getenv(repo.TokenEnvVar)
	if token == "" {
		return "", types.E(types.KindSyncAuthFailed, "env var %s for repo %s is empty", repo.TokenEnvVar, repo.RepoID)
	}
	if strings.HasPrefix(url, "https://") {
		return "https://oauth2:" + token + "@" + strings.TrimPrefix(url, "https://"), nil
	}
	return url, nil
}

func runGit(ctx context.Context, gitPath, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, gitPath, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func classifyGitError(err error, output string) error {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "could not read username") ||
		strings.Contains(lower, "403") {
		return types.WrapE(types.KindSyncAuthFailed, err, "git authentication failed: %s", firstLine(output))
	}
	return types.WrapE(types.KindSyncCheckoutFailed, err, "git failed: %s", firstLine(output))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// GitDiff implements the orchestrator's DiffProvider over the workspace
// checkouts: every repo where both refs resolve contributes its changed
// files. With a store and writer attached, per-repo diffs are cached in
// commit_diff_summaries keyed by the resolved SHAs.
type GitDiff struct {
	Manifest *manifest.Manifest
	GitPath  string
	Store    *store.Store
	Writer   *store.Writer
}

// Diff lists the files changed between two refs as overlay file changes.
func (g *GitDiff) Diff(ctx context.Context, workspaceID, baseRef, headRef string) ([]contextmgr.FileChange, error) {
	gitPath := g.GitPath
	if gitPath == "" {
		gitPath = "git"
	}

	var changes []contextmgr.FileChange
	for _, repoID := range g.Manifest.RepoIDs() {
		root, ok := g.Manifest.RepoAbsRoot(repoID)
		if !ok {
			continue
		}
		baseSHA, err := runGit(ctx, gitPath, root, "rev-parse", "--verify", "--quiet", baseRef)
		if err != nil {
			continue
		}
		headSHA, err := runGit(ctx, gitPath, root, "rev-parse", "--verify", "--quiet", headRef)
		if err != nil {
			continue
		}
		baseSHA = strings.TrimSpace(baseSHA)
		headSHA = strings.TrimSpace(headSHA)

		if cached, ok := g.cachedSummary(workspaceID, repoID, baseSHA, headSHA); ok {
			changes = append(changes, cached...)
			continue
		}

		out, err := runGit(ctx, gitPath, root, "diff", "--name-status", "-M", baseSHA+".."+headSHA)
		if err != nil {
			return nil, types.WrapE(types.KindSyncCheckoutFailed, err, "git diff failed in %s", repoID)
		}
		repoChanges := parseNameStatus(repoID, out)
		changes = append(changes, repoChanges...)

		if g.Writer != nil {
			if _, err := g.Writer.Submit(ctx, PutDiffSummaryOp{
				WorkspaceID: workspaceID,
				RepoID:      repoID,
				BaseSHA:     baseSHA,
				HeadSHA:     headSHA,
				Files:       repoChanges,
			}); err != nil {
				logging.Get(logging.CategorySync).Warn("diff summary cache write failed: %v", err)
			}
		}
	}
	return changes, nil
}

// cachedSummary reads a previously persisted diff summary.
func (g *GitDiff) cachedSummary(workspaceID, repoID, baseSHA, headSHA string) ([]contextmgr.FileChange, bool) {
	if g.Store == nil {
		return nil, false
	}
	var filesJSON string
	err := g.Store.DB().QueryRow(
		`SELECT files_json FROM commit_diff_summaries
		 WHERE workspace_id = ? AND repo_id = ? AND base_sha = ? AND head_sha = ?`,
		workspaceID, repoID, baseSHA, headSHA).Scan(&filesJSON)
	if err != nil {
		return nil, false
	}
	var changes []contextmgr.FileChange
	if err := json.Unmarshal([]byte(filesJSON), &changes); err != nil {
		return nil, false
	}
	return changes, true
}

// parseNameStatus converts `git diff --name-status -M` output into file
// changes with canonical keys.
func parseNameStatus(repoID, out string) []contextmgr.FileChange {
	var changes []contextmgr.FileChange
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		switch {
		case status == "A":
			changes = append(changes, contextmgr.FileChange{
				FileKey: types.MakeFileKey(repoID, fields[1]), State: types.StateAdded})
		case status == "M":
			changes = append(changes, contextmgr.FileChange{
				FileKey: types.MakeFileKey(repoID, fields[1]), State: types.StateModified})
		case status == "D":
			changes = append(changes, contextmgr.FileChange{
				FileKey: types.MakeFileKey(repoID, fields[1]), State: types.StateDeleted})
		case strings.HasPrefix(status, "R") && len(fields) >= 3:
			changes = append(changes, contextmgr.FileChange{
				FileKey:             types.MakeFileKey(repoID, fields[2]),
				State:               types.StateRenamed,
				ReplacedFromFileKey: types.MakeFileKey(repoID, fields[1]),
			})
		}
	}
	return changes
}
