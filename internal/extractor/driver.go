// Package extractor drives the native AST extractor: one subprocess per
// file, invoked with the file's compile arguments, emitting a single JSON
// document on stdout. The driver normalises that output into fact payloads
// with workspace-canonical file keys and never writes to the store itself.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"cppdex/internal/compiledb"
	"cppdex/internal/hasher"
	"cppdex/internal/logging"
	"cppdex/internal/manifest"
	"cppdex/internal/types"
)

// Action selects what the extractor emits.
type Action string

const (
	ActionExtractAll     Action = "extract-all"
	ActionExtractSymbols Action = "extract-symbols"
	ActionExtractRefs    Action = "extract-refs"
)

// Config bounds the subprocess pool.
type Config struct {
	BinaryPath      string
	MaxParseWorkers int
	ParseTimeout    time.Duration
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		BinaryPath:      "cxx-extractor",
		MaxParseWorkers: runtime.NumCPU(),
		ParseTimeout:    120 * time.Second,
	}
}

// Payload is the in-memory result of one extraction, ready for the writer.
type Payload struct {
	Facts       types.FileFacts
	Diagnostics []string
	Warnings    []string
	Duration    time.Duration
}

// wire mirrors the extractor's JSON output contract.
type wire struct {
	File       string `json:"file"`
	Symbols    []struct {
		Name          string `json:"name"`
		QualifiedName string `json:"qualified_name"`
		Kind          string `json:"kind"`
		Line          int    `json:"line"`
		Col           int    `json:"col"`
		ExtentEndLine int    `json:"extent_end_line"`
	} `json:"symbols"`
	References []struct {
		SymbolQualifiedName string `json:"symbol_qualified_name"`
		Line                int    `json:"line"`
		Col                 int    `json:"col"`
		RefKind             string `json:"ref_kind"`
	} `json:"references"`
	CallEdges []struct {
		CallerQualifiedName string `json:"caller_qualified_name"`
		CalleeQualifiedName string `json:"callee_qualified_name"`
		Line                int    `json:"line"`
	} `json:"call_edges"`
	IncludeDeps []struct {
		Path    string `json:"path"`
		RawPath string `json:"raw_path"`
		Depth   int    `json:"depth"`
	} `json:"include_deps"`
	Success     bool     `json:"success"`
	Diagnostics []string `json:"diagnostics"`
}

// Driver runs extractions through a bounded worker pool.
type Driver struct {
	cfg      Config
	manifest *manifest.Manifest
	compile  *compiledb.Cache
	sem      *semaphore.Weighted
}

// NewDriver creates the driver for one workspace.
func NewDriver(cfg Config, m *manifest.Manifest, cc *compiledb.Cache) *Driver {
	if cfg.MaxParseWorkers <= 0 {
		cfg.MaxParseWorkers = runtime.NumCPU()
	}
	if cfg.ParseTimeout <= 0 {
		cfg.ParseTimeout = 120 * time.Second
	}
	return &Driver{
		cfg:      cfg,
		manifest: m,
		compile:  cc,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParseWorkers)),
	}
}

// CompileArgs resolves the sanitised compile arguments for a file. The
// missing_flags kind signals that the file cannot be parsed at all.
func (d *Driver) CompileArgs(fileKey types.FileKey) ([]string, error) {
	repoID, _ := types.SplitFileKey(fileKey)
	absPath, ok := d.manifest.AbsPathForKey(fileKey)
	if !ok {
		return nil, types.E(types.KindValidation, "unknown file key %s", fileKey)
	}

	dbPath := d.manifest.CompileCommandsPath(repoID)
	args, ok := d.compile.LookupArgs(d.manifest.WorkspaceID, repoID, dbPath, absPath)
	if !ok {
		return nil, types.E(types.KindMissingFlags, "no compile command for %s", fileKey)
	}
	return args, nil
}

// Extract parses one file. The call blocks on a pool slot, then on the
// subprocess; ctx cancellation terminates the subprocess and surfaces
// extractor_timeout.
func (d *Driver) Extract(ctx context.Context, contextID string, fileKey types.FileKey, action Action) (*Payload, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	start := time.Now()
	payload, err := d.extractOne(ctx, contextID, fileKey, action)
	if payload != nil {
		payload.Duration = time.Since(start)
	}
	return payload, err
}

func (d *Driver) extractOne(ctx context.Context, contextID string, fileKey types.FileKey, action Action) (*Payload, error) {
	log := logging.Get(logging.CategoryExtract)

	absPath, ok := d.manifest.AbsPathForKey(fileKey)
	if !ok {
		return nil, types.E(types.KindValidation, "unknown file key %s", fileKey)
	}

	args, err := d.CompileArgs(fileKey)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.ParseTimeout)
	defer cancel()

	cmdArgs := []string{"--action", string(action), "--file", absPath, "--"}
	cmdArgs = append(cmdArgs, d.remapArgs(args)...)

	cmd := exec.CommandContext(runCtx, d.cfg.BinaryPath, cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("extract %s: %s %s", fileKey, d.cfg.BinaryPath, strings.Join(cmdArgs, " "))
	runErr := cmd.Run()

	if runCtx.Err() != nil {
		log.Warn("extract %s timed out after %s", fileKey, d.cfg.ParseTimeout)
		return &Payload{Diagnostics: []string{"parse_timeout"}},
			types.E(types.KindExtractorTimeout, "extractor timed out on %s", fileKey)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is catastrophic failure by contract.
			return &Payload{Diagnostics: []string{strings.TrimSpace(stderr.String())}},
				types.WrapE(types.KindParseFailed, runErr, "extractor failed on %s", fileKey)
		}
		return nil, types.WrapE(types.KindExtractorUnavailable, runErr, "failed to launch extractor")
	}

	var out wire
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, types.WrapE(types.KindParseFailed, err, "invalid extractor output for %s", fileKey)
	}

	payload, err := d.normalise(contextID, fileKey, absPath, args, &out)
	if err != nil {
		return nil, err
	}
	log.Debug("extract %s: %d symbols, %d refs, %d edges, %d includes",
		fileKey, len(payload.Facts.Symbols), len(payload.Facts.References),
		len(payload.Facts.CallEdges), len(payload.Facts.IncludeDeps))
	return payload, nil
}

// normalise converts the wire document into a fact payload: closed-set kind
// mapping, include-path remapping onto canonical keys, and the composite
// hash over content, sanitised flags, and resolved include contents.
func (d *Driver) normalise(contextID string, fileKey types.FileKey, absPath string, args []string, out *wire) (*Payload, error) {
	repoID, relPath := types.SplitFileKey(fileKey)
	payload := &Payload{Diagnostics: out.Diagnostics}

	contentHash, err := hasher.HashFile(absPath)
	if err != nil {
		return nil, types.WrapE(types.KindParseFailed, err, "failed to hash %s", fileKey)
	}

	var includeDeps []types.IncludeDep
	var includePairs []hasher.IncludePair
	for _, dep := range out.IncludeDeps {
		inc := types.IncludeDep{
			ContextID:       contextID,
			FileKey:         fileKey,
			IncludedAbsPath: dep.Path,
			RawPath:         dep.RawPath,
			Depth:           dep.Depth,
		}
		// Include hashing uses workspace-canonical keys, never the absolute
		// paths the extractor emits.
		if key, ok := d.manifest.ResolveAbsPath(dep.Path); ok {
			inc.IncludedFileKey = key
			inc.Resolved = true
			if incAbs, ok := d.manifest.AbsPathForKey(key); ok {
				if h, err := hasher.HashFile(incAbs); err == nil {
					includePairs = append(includePairs, hasher.IncludePair{FileKey: key, ContentHash: h})
				}
			}
		} else {
			payload.Warnings = append(payload.Warnings,
				fmt.Sprintf("external_unresolved_include: %s", dep.RawPath))
		}
		includeDeps = append(includeDeps, inc)
	}

	flagsHash := hasher.HashFlags(args)
	includesHash := hasher.HashIncludes(includePairs)

	facts := types.FileFacts{
		Tracked: types.TrackedFile{
			ContextID:     contextID,
			FileKey:       fileKey,
			RepoID:        repoID,
			RelPath:       relPath,
			AbsPath:       filepath.ToSlash(absPath),
			ContentHash:   contentHash,
			FlagsHash:     flagsHash,
			IncludesHash:  includesHash,
			CompositeHash: hasher.Composite(contentHash, flagsHash, includesHash),
			LastParsedAt:  time.Now().UTC(),
		},
		IncludeDeps: includeDeps,
	}

	for _, sym := range out.Symbols {
		facts.Symbols = append(facts.Symbols, types.Symbol{
			ContextID:     contextID,
			FileKey:       fileKey,
			Name:          sym.Name,
			QualifiedName: sym.QualifiedName,
			Kind:          types.NormalizeSymbolKind(sym.Kind),
			Line:          sym.Line,
			Col:           sym.Col,
			ExtentEndLine: sym.ExtentEndLine,
		})
	}
	for _, ref := range out.References {
		facts.References = append(facts.References, types.Reference{
			ContextID:           contextID,
			FileKey:             fileKey,
			SymbolQualifiedName: ref.SymbolQualifiedName,
			Line:                ref.Line,
			Col:                 ref.Col,
			RefKind:             types.NormalizeRefKind(ref.RefKind),
		})
	}
	for _, edge := range out.CallEdges {
		facts.CallEdges = append(facts.CallEdges, types.CallEdge{
			ContextID:           contextID,
			FileKey:             fileKey,
			CallerQualifiedName: edge.CallerQualifiedName,
			CalleeQualifiedName: edge.CalleeQualifiedName,
			Line:                edge.Line,
		})
	}

	payload.Facts = facts
	return payload, nil
}

// remapArgs redirects include paths that reach external absolute prefixes to
// their workspace-canonical locations before the subprocess launches.
func (d *Driver) remapArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-I" || arg == "-isystem" || arg == "-include":
			out = append(out, arg)
			if i+1 < len(args) {
				i++
				out = append(out, d.remapPath(args[i]))
			}
		case strings.HasPrefix(arg, "-I"):
			out = append(out, "-I"+d.remapPath(arg[2:]))
		case strings.HasPrefix(arg, "-isystem"):
			out = append(out, "-isystem"+d.remapPath(arg[len("-isystem"):]))
		default:
			out = append(out, arg)
		}
	}
	return out
}

func (d *Driver) remapPath(p string) string {
	slash := filepath.ToSlash(p)
	for _, remap := range d.manifest.PathRemaps {
		from := strings.TrimSuffix(filepath.ToSlash(remap.FromPrefix), "/")
		if slash != from && !strings.HasPrefix(slash, from+"/") {
			continue
		}
		root, ok := d.manifest.RepoAbsRoot(remap.ToRepoID)
		if !ok {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(slash, from), "/")
		mapped := filepath.Join(root, filepath.FromSlash(types.NormalizeRelPath(remap.ToPrefix)), filepath.FromSlash(rest))
		return mapped
	}
	return p
}
