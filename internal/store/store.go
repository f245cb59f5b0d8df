// Package store implements the on-disk certificate layout of
// SPEC_FULL.md §4.4: atomic publish via the live/new/archive rename
// dance, and the meta-first validation protocol external readers (and the
// publisher itself, after a crash) use to tell a consistent certificate set
// from a half-published one.
//
// The store writes PEM directly via stdlib encoding/pem and crypto/x509
// rather than through github.com/kenshaw/pemutil: pemutil.Store models a
// single key/cert bag, with no equivalent of this package's multi-file,
// multi-directory atomic-rename layout, so internal/cryptoutil keeps
// pemutil for the single-file key-material concern it already covers
// (account keys, per-certificate keys) while this package owns the
// store's own bespoke layout (see DESIGN.md).
package store

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Logf is the teacher's printf-style logging callback shape.
type Logf func(msg string, kv ...interface{})

const (
	fileMode = 0640
	dirMode  = 0750
)

// Material is the full set of artifacts published for one certificate
// record: the private key, leaf, intermediate chain, and derived metadata.
type Material struct {
	PrivateKeyPEM []byte
	LeafPEM       []byte
	ChainPEM      []byte // intermediates only
	Meta          Meta
}

// Store is rooted at BasePath, laid out per spec.md §4.4:
//
//	<base>/live/<name>/{privkey,cert,chain,fullchain}.pem, meta.json
//	<base>/new/<name>/...
//	<base>/archive/<name>/<serial>/...
type Store struct {
	BasePath string
	// ArchiveKeep bounds how many superseded versions are retained per
	// certificate name (default 5).
	ArchiveKeep int
	Logf        Logf
}

func (s *Store) log(msg string, kv ...interface{}) {
	if s.Logf != nil {
		s.Logf(msg, kv...)
	}
}

func (s *Store) archiveKeep() int {
	if s.ArchiveKeep > 0 {
		return s.ArchiveKeep
	}
	return 5
}

func (s *Store) livePath(name string) string    { return filepath.Join(s.BasePath, "live", name) }
func (s *Store) newPath(name string) string     { return filepath.Join(s.BasePath, "new", name) }
func (s *Store) archiveRoot(name string) string  { return filepath.Join(s.BasePath, "archive", name) }
func (s *Store) archivePath(name, serial string) string {
	return filepath.Join(s.archiveRoot(name), serial)
}

// IOError corresponds to spec.md §7's StoreIOError. A publish that fails
// before its renames leaves live/<name> untouched; the staged new/<name>
// is left in place and is cleared by the next Publish (or promoted by
// Reconcile if live/<name> is absent).
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Publish atomically installs m as the live material for name. It writes
// every file to new/<name>/ first (mode 0640), fsyncs each file and the
// directory, then performs the two renames spec.md §4.4 describes:
// live/<name> → archive/<name>/<old-serial>/, new/<name> → live/<name>.
// These two renames are not one atomic operation on a POSIX filesystem;
// Reconcile (run at startup) completes a publish interrupted between them.
func (s *Store) Publish(name string, m Material) error {
	fullchain := append(append([]byte{}, m.LeafPEM...), m.ChainPEM...)

	staging := s.newPath(name)
	if err := os.RemoveAll(staging); err != nil {
		return &IOError{Op: "clear staging", Err: err}
	}
	if err := os.MkdirAll(staging, dirMode); err != nil {
		return &IOError{Op: "mkdir staging", Err: err}
	}

	files := map[string][]byte{
		"privkey.pem":   m.PrivateKeyPEM,
		"cert.pem":      m.LeafPEM,
		"chain.pem":     m.ChainPEM,
		"fullchain.pem": fullchain,
	}
	metaJSON, err := m.Meta.encode()
	if err != nil {
		return &IOError{Op: "encode meta", Err: err}
	}
	files["meta.json"] = metaJSON

	for filename, data := range files {
		path := filepath.Join(staging, filename)
		if err := writeFileSynced(path, data, fileMode); err != nil {
			return &IOError{Op: "write " + filename, Err: err}
		}
	}
	if err := syncDir(staging); err != nil {
		return &IOError{Op: "fsync staging dir", Err: err}
	}

	if err := s.swapIn(name); err != nil {
		return err
	}

	s.log("published certificate", "name", name, "serial", m.Meta.Serial, "self_signed", m.Meta.SelfSigned)
	s.pruneArchive(name)
	return nil
}

// swapIn performs the live/new rename dance. If live/<name> does not yet
// exist (first publish for a brand new record), the archive rename is
// skipped. The superseded version is archived under its own serial
// (spec.md §4.4: archive/<name>/<old-serial>/), read from the outgoing
// live/<name>/meta.json, not the incoming material's serial.
func (s *Store) swapIn(name string) error {
	live := s.livePath(name)
	staging := s.newPath(name)

	if _, err := os.Stat(live); err == nil {
		archiveDir := s.archivePath(name, s.liveSerial(live))
		if err := os.MkdirAll(filepath.Dir(archiveDir), dirMode); err != nil {
			return &IOError{Op: "mkdir archive parent", Err: err}
		}
		if err := os.Rename(live, archiveDir); err != nil {
			return &IOError{Op: "archive previous live", Err: err}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "stat live", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(live), dirMode); err != nil {
		return &IOError{Op: "mkdir live parent", Err: err}
	}
	if err := os.Rename(staging, live); err != nil {
		return &IOError{Op: "rename new to live", Err: err}
	}
	return nil
}

// liveSerial reads the serial recorded in liveDir's meta.json, falling back
// to "unknown" if it cannot be read or parsed — a pre-existing live
// directory should always have a valid meta.json, but swapIn must not fail
// the whole publish over an unreadable archive key.
func (s *Store) liveSerial(liveDir string) string {
	metaBytes, err := os.ReadFile(filepath.Join(liveDir, "meta.json"))
	if err != nil {
		return "unknown"
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return "unknown"
	}
	return meta.Serial
}

// pruneArchive removes all but the ArchiveKeep most recent superseded
// versions, ordered by serial directory name (spec.md §4.4: "Retention").
func (s *Store) pruneArchive(name string) {
	root := s.archiveRoot(name)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= s.archiveKeep() {
		return
	}
	for _, old := range names[:len(names)-s.archiveKeep()] {
		if err := os.RemoveAll(filepath.Join(root, old)); err != nil {
			s.log("could not prune archived version", "name", name, "serial", old, "error", err)
		}
	}
}

// Read loads and validates the live material for name using the
// meta-first protocol of spec.md §4.4: meta.json is read first, and its
// fingerprint/serial are checked against privkey.pem and cert.pem before
// the set is trusted. If Reconcile has not yet run and a crash left
// live/<name> absent with new/<name> self-consistent, Read returns an
// IOError wrapping os.ErrNotExist (from reading meta.json); the caller can
// invoke Reconcile and retry (scenario S5).
func (s *Store) Read(name string) (Material, error) {
	return s.readDir(s.livePath(name))
}

// ErrInconsistent is returned by Read when meta.json's recorded
// fingerprint or serial does not match the accompanying PEM files.
// Invariant 2 of spec.md §8 requires this to be retriable: a reader that
// observes it should retry within one publish cycle.
var ErrInconsistent = errors.New("store: meta.json is inconsistent with accompanying PEM files")

func (s *Store) readDir(dir string) (Material, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return Material{}, &IOError{Op: "read meta.json", Err: err}
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return Material{}, &IOError{Op: "decode meta.json", Err: err}
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, "privkey.pem"))
	if err != nil {
		return Material{}, &IOError{Op: "read privkey.pem", Err: err}
	}
	leafPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return Material{}, &IOError{Op: "read cert.pem", Err: err}
	}
	chainPEM, err := os.ReadFile(filepath.Join(dir, "chain.pem"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Material{}, &IOError{Op: "read chain.pem", Err: err}
	}

	pub, leaf, err := publicKeyAndLeaf(keyPEM, leafPEM)
	if err != nil {
		return Material{}, &IOError{Op: "parse key/cert", Err: err}
	}
	if !consistent(meta, pub, leaf) {
		return Material{}, ErrInconsistent
	}

	return Material{PrivateKeyPEM: keyPEM, LeafPEM: leafPEM, ChainPEM: chainPEM, Meta: meta}, nil
}

// Reconcile detects and completes a publish interrupted between the two
// renames of swapIn (scenario S5): if live/<name> is absent but
// new/<name> exists and is internally self-consistent, the rename to
// live/<name> is completed.
func (s *Store) Reconcile(name string) error {
	live := s.livePath(name)
	staging := s.newPath(name)

	if _, err := os.Stat(live); err == nil {
		return nil // already published
	}
	if _, err := os.Stat(staging); errors.Is(err, os.ErrNotExist) {
		return nil // nothing to recover
	}

	if _, err := s.readDir(staging); err != nil {
		return &IOError{Op: "reconcile: validate staged material", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(live), dirMode); err != nil {
		return &IOError{Op: "reconcile: mkdir live parent", Err: err}
	}
	if err := os.Rename(staging, live); err != nil {
		return &IOError{Op: "reconcile: rename new to live", Err: err}
	}
	s.log("completed interrupted publish", "name", name)
	return nil
}

func publicKeyAndLeaf(keyPEM, leafPEM []byte) (crypto.PublicKey, *x509.Certificate, error) {
	key, err := decodePrivateKey(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	leaf, err := decodeCertificate(leafPEM)
	if err != nil {
		return nil, nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, errors.New("store: private key does not implement crypto.Signer")
	}
	return signer.Public(), leaf, nil
}

// BuildMeta derives a Meta record from leaf (the freshly issued or
// self-signed certificate) and the certificate's own public key.
func BuildMeta(pub crypto.PublicKey, leaf *x509.Certificate, sans []string, selfSigned bool) (Meta, error) {
	fp, err := fingerprintOf(pub)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		Serial:      serialOf(leaf),
		Fingerprint: fp,
		SAN:         sans,
		SelfSigned:  selfSigned,
	}, nil
}
