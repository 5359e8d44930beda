package jobs

import (
	"encoding/json"
	"strings"

	"cppdex/internal/manifest"
	"cppdex/internal/types"
)

// GitLab webhook payloads, reduced to the fields sync cares about.

type gitlabProject struct {
	PathWithNamespace string `json:"path_with_namespace"`
	GitHTTPURL        string `json:"git_http_url"`
	SSHURL            string `json:"ssh_url_to_repo"`
}

type gitlabPush struct {
	ObjectKind  string        `json:"object_kind"`
	Ref         string        `json:"ref"`
	CheckoutSHA string        `json:"checkout_sha"`
	Project     gitlabProject `json:"project"`
}

type gitlabMergeRequest struct {
	ObjectKind       string `json:"object_kind"`
	Project          gitlabProject
	ObjectAttributes struct {
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
}

// WebhookEvent is the normalised form fed into the queue.
type WebhookEvent struct {
	RepoID    string `json:"repo_id"`
	Ref       string `json:"ref"`
	EventType string `json:"event_type"`
	EventSHA  string `json:"event_sha"`
}

// NormalizeGitLabWebhook maps a raw GitLab webhook body onto a queue event.
// The repo is matched by remote URL (or trailing path) against the
// manifest; unknown projects are a not_found.
func NormalizeGitLabWebhook(m *manifest.Manifest, body []byte) (*WebhookEvent, error) {
	var kind struct {
		ObjectKind string `json:"object_kind"`
	}
	if err := json.Unmarshal(body, &kind); err != nil {
		return nil, types.WrapE(types.KindValidation, err, "invalid webhook body")
	}

	switch kind.ObjectKind {
	case "push":
		var p gitlabPush
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, types.WrapE(types.KindValidation, err, "invalid push payload")
		}
		repoID, ok := matchRepo(m, p.Project)
		if !ok {
			return nil, types.E(types.KindNotFound, "no repo matches project %s", p.Project.PathWithNamespace)
		}
		if p.CheckoutSHA == "" {
			return nil, types.E(types.KindValidation, "push event without checkout_sha")
		}
		return &WebhookEvent{
			RepoID:    repoID,
			Ref:       strings.TrimPrefix(p.Ref, "refs/heads/"),
			EventType: EventPush,
			EventSHA:  p.CheckoutSHA,
		}, nil

	case "merge_request":
		var mr gitlabMergeRequest
		if err := json.Unmarshal(body, &mr); err != nil {
			return nil, types.WrapE(types.KindValidation, err, "invalid merge_request payload")
		}
		repoID, ok := matchRepo(m, mr.Project)
		if !ok {
			return nil, types.E(types.KindNotFound, "no repo matches project %s", mr.Project.PathWithNamespace)
		}
		if mr.ObjectAttributes.LastCommit.ID == "" {
			return nil, types.E(types.KindValidation, "merge_request event without last commit")
		}
		return &WebhookEvent{
			RepoID:    repoID,
			Ref:       mr.ObjectAttributes.SourceBranch,
			EventType: EventMergeRequest,
			EventSHA:  mr.ObjectAttributes.LastCommit.ID,
		}, nil
	}

	return nil, types.E(types.KindValidation, "unsupported webhook kind %q", kind.ObjectKind)
}

func matchRepo(m *manifest.Manifest, project gitlabProject) (string, bool) {
	for _, r := range m.Repos {
		if r.RemoteURL != "" && (r.RemoteURL == project.GitHTTPURL || r.RemoteURL == project.SSHURL) {
			return r.RepoID, true
		}
	}
	// Fall back to matching the namespace path suffix against the repo id.
	if project.PathWithNamespace != "" {
		parts := strings.Split(project.PathWithNamespace, "/")
		name := parts[len(parts)-1]
		if _, ok := m.Repo(name); ok {
			return name, true
		}
	}
	return "", false
}
