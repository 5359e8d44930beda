// Package hasher computes the content, flags, and includes hashes whose
// composite drives cache invalidation. The digest scheme is SHA-256 and is
// fixed per deployment; composite_hash is a pure function of its three
// inputs, so identical bytes, sanitised flags, and include hashes always
// reproduce the same key.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"cppdex/internal/types"
)

// IncludePair is one transitive include that resolved to a known repo file.
type IncludePair struct {
	FileKey     types.FileKey
	ContentHash string
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes a file's content from disk.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return HashBytes(data), nil
}

// HashFlags sanitises, sorts, and digests a compile-argument list. Sorting
// makes the hash independent of include-path order, so flag permutations
// never cause false staleness.
func HashFlags(args []string) string {
	sanitised := SanitizeFlags(args)
	sort.Strings(sanitised)
	return HashBytes([]byte(strings.Join(sanitised, "\x00")))
}

// HashIncludes digests the sorted set of (included_file_key, content_hash)
// pairs. Unresolved external includes must be excluded by the caller.
func HashIncludes(pairs []IncludePair) string {
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, string(p.FileKey)+"="+p.ContentHash)
	}
	sort.Strings(lines)
	return HashBytes([]byte(strings.Join(lines, "\n")))
}

// Composite combines the three input hashes into the invalidation key.
func Composite(contentHash, flagsHash, includesHash string) string {
	return HashBytes([]byte(contentHash + "|" + flagsHash + "|" + includesHash))
}

// droppedFlags are code-gen-only arguments that do not affect semantics.
var droppedFlags = map[string]bool{
	"/nologo": true,
	"/Zi":     true,
	"/Ob0":    true,
	"/EHsc":   true,
	"/utf-8":  true,
	"-c":      true,
	"/c":      true,
}

// droppedPrefixes are output-path style arguments dropped by prefix.
var droppedPrefixes = []string{"/Fo", "/Fd"}

// SanitizeFlags drops code-gen-only flags and translates MSVC-style flags to
// their portable equivalents. The transformation is deterministic; ordering
// is preserved here and normalised by HashFlags.
func SanitizeFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "" {
			continue
		}
		if droppedFlags[arg] {
			continue
		}
		if hasAnyPrefix(arg, droppedPrefixes) {
			continue
		}

		switch {
		case arg == "/FI" || arg == "-include":
			// Forced-include takes the next argument.
			if i+1 < len(args) {
				i++
				out = append(out, "-include", args[i])
			}
		case strings.HasPrefix(arg, "/FI"):
			out = append(out, "-include", arg[len("/FI"):])
		case strings.HasPrefix(arg, "/D"):
			out = append(out, "-D"+arg[len("/D"):])
		case strings.HasPrefix(arg, "/I"):
			out = append(out, "-I"+arg[len("/I"):])
		case strings.HasPrefix(arg, "/std:"):
			out = append(out, "-std="+arg[len("/std:"):])
		default:
			out = append(out, arg)
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Classify compares a stored tracked-file row against the live composite
// hash. A nil row means the file was never parsed for this context.
func Classify(stored *types.TrackedFile, liveComposite string) types.Freshness {
	if stored == nil {
		return types.FreshnessUnparsed
	}
	if stored.CompositeHash == liveComposite {
		return types.FreshnessFresh
	}
	return types.FreshnessStale
}
