package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EvidenceStore writes evidence blobs (screenshots, transcripts) to disk
// under content-addressed names so identical captures dedupe and references
// in audit entries stay valid across retries.
type EvidenceStore struct {
	dir string
}

// NewEvidenceStore creates the evidence directory if needed.
func NewEvidenceStore(dir string) (*EvidenceStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return &EvidenceStore{dir: dir}, nil
}

// Put stores a blob and returns its reference of the form "<sha256>.<ext>".
// Writing the same content twice is a no-op.
func (e *EvidenceStore) Put(data []byte, ext string) (string, error) {
	sum := sha256.Sum256(data)
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	ref := hex.EncodeToString(sum[:]) + "." + ext

	path := filepath.Join(e.dir, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write through a temp file so a crash never leaves a partial blob
	// under the final name.
	tmp, err := os.CreateTemp(e.dir, ".evidence-*")
	if err != nil {
		return "", fmt.Errorf("failed to create evidence temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close evidence file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place evidence file: %w", err)
	}
	return ref, nil
}

// Get reads a blob by reference.
func (e *EvidenceStore) Get(ref string) ([]byte, error) {
	if strings.Contains(ref, "/") || strings.Contains(ref, "..") {
		return nil, fmt.Errorf("invalid evidence reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(e.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence %s: %w", ref, err)
	}
	return data, nil
}
