// Package workspace synchronizes the session's local working directory with
// the remote content store. The store is treated as a mountable filesystem:
// Pull mirrors the remote tree into the working directory before the run and
// Push writes every local file back after it.
//
// Both directions are best-effort per file, not transactional: the synced set
// is not homogeneous (binary files, large files, files that vanish
// mid-traversal), and one bad file must never abort an otherwise successful
// session's output. Failures are logged and the traversal continues.
package workspace

import (
	"context"
	"encoding/base64"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"unicode/utf8"

	"goa.design/clue/log"

	"github.com/ambient-code/session-runner/contentstore"
	"github.com/ambient-code/session-runner/telemetry"
)

type (
	// Store is the subset of the content store client used for syncing.
	Store interface {
		Read(ctx context.Context, path string) []byte
		Write(ctx context.Context, path, content string, enc contentstore.Encoding) bool
		List(ctx context.Context, path string) []contentstore.Entry
	}

	// Option configures a Synchronizer.
	Option func(*Synchronizer)

	// Synchronizer mirrors a remote workspace tree to and from a local
	// directory. It holds no state between calls; each sync is a one-shot
	// traversal.
	Synchronizer struct {
		store      Store
		remoteRoot string
		localRoot  string
		insts      *telemetry.Instruments
	}
)

// WithTelemetry records synced file counts on the given instruments.
func WithTelemetry(in *telemetry.Instruments) Option {
	return func(s *Synchronizer) {
		s.insts = in
	}
}

// New constructs a Synchronizer between remoteRoot on the store and the
// localRoot directory. An empty remoteRoot turns both directions into no-ops.
func New(store Store, remoteRoot, localRoot string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:      store,
		remoteRoot: remoteRoot,
		localRoot:  localRoot,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Pull recursively mirrors the remote workspace tree into the local
// directory, creating subdirectories on demand. A failure to pull one file is
// logged and does not abort the remaining traversal.
func (s *Synchronizer) Pull(ctx context.Context) {
	if s.remoteRoot == "" {
		log.Debugf(ctx, "no remote workspace path configured, skipping pull")
		return
	}
	log.Printf(ctx, "pulling workspace %s -> %s", s.remoteRoot, s.localRoot)
	n := s.pullDir(ctx, s.remoteRoot, s.localRoot)
	s.insts.RecordSync(ctx, "pull", n)
	log.Printf(ctx, "workspace pull completed, %d files", n)
}

// Push walks every regular file under the local working directory and writes
// it to the corresponding path under the remote workspace root. Valid UTF-8
// payloads are written as text; anything else falls back to a base64-encoded
// write so the remote side can distinguish binary content. Per-file failures
// are logged and skipped; the remaining files still get pushed.
func (s *Synchronizer) Push(ctx context.Context) {
	if s.remoteRoot == "" {
		return
	}
	var n int64
	err := filepath.WalkDir(s.localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf(ctx, "skipping %s during push: %v", p, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.localRoot, p)
		if err != nil {
			log.Warnf(ctx, "cannot relativize %s: %v", p, err)
			return nil
		}
		if s.pushFile(ctx, p, path.Join(s.remoteRoot, filepath.ToSlash(rel))) {
			n++
		}
		return nil
	})
	if err != nil {
		log.Warnf(ctx, "workspace push walk failed: %v", err)
	}
	s.insts.RecordSync(ctx, "push", n)
	log.Printf(ctx, "workspace push completed, %d files", n)
}

func (s *Synchronizer) pullDir(ctx context.Context, remote, local string) int64 {
	if err := os.MkdirAll(local, 0o755); err != nil {
		log.Warnf(ctx, "cannot create %s: %v", local, err)
		return 0
	}
	var n int64
	for _, it := range s.store.List(ctx, remote) {
		name := path.Base(it.Path)
		target := filepath.Join(local, name)
		if it.IsDir {
			n += s.pullDir(ctx, it.Path, target)
			continue
		}
		data := s.store.Read(ctx, it.Path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			log.Warnf(ctx, "cannot create parent of %s: %v", target, err)
			continue
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			log.Warnf(ctx, "failed to pull %s -> %s: %v", it.Path, target, err)
			continue
		}
		n++
	}
	return n
}

// pushFile writes one local file remotely, preferring a UTF-8 text write and
// falling back to base64 when the payload is not valid text or the text write
// is rejected.
func (s *Synchronizer) pushFile(ctx context.Context, local, remote string) bool {
	data, err := os.ReadFile(local)
	if err != nil {
		log.Warnf(ctx, "failed to read %s: %v", local, err)
		return false
	}
	if utf8.Valid(data) {
		if s.store.Write(ctx, remote, string(data), contentstore.EncodingUTF8) {
			return true
		}
	}
	if s.store.Write(ctx, remote, base64.StdEncoding.EncodeToString(data), contentstore.EncodingBase64) {
		return true
	}
	log.Warnf(ctx, "failed to push %s -> %s", local, remote)
	return false
}
