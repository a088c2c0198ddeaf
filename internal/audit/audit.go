// Package audit implements the Audit Log (spec.md C4, §4.9): an
// append-only, hash-chained record store backed by bbolt. The bucket
// layout and ACID-transaction discipline are grounded on
// internal/storage/bolt.go (bucket-per-concern, sortable keys,
// schema-version check on open). The hash-chaining scheme itself —
// canonical JSON of (sequence, previous_hash, payload), SHA-256,
// genesis record with an all-zero previous_hash — is grounded on
// internal/governance/constitutional.go's computeDecisionHash/ParentHash
// Merkle-chain pattern, generalized from one process's escalation
// decisions to the append-only ledger of an entire session's decisions
// and redacted event batches.
package audit

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketRecords = "records"
	bucketMeta    = "meta"

	metaKeySchemaVersion = "schema_version"
	metaKeySigningSeed   = "signing_key_seed"

	// GenesisPreviousHash is the previous_hash of the first record
	// (sequence 1).
	GenesisPreviousHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// ErrRangeEmpty is returned by Export when [startSeq, endSeq] contains no
// records (spec.md §6's audit.export `range_empty` error).
var ErrRangeEmpty = errors.New("audit: export range is empty")

// PayloadKind distinguishes the two payload shapes a record may carry.
type PayloadKind string

const (
	PayloadDecision   PayloadKind = "decision"
	PayloadEventBatch PayloadKind = "event_batch"
)

// Record is one append-only audit entry (spec.md §3's AuditRecord).
type Record struct {
	Sequence     uint64          `json:"sequence"`
	PreviousHash string          `json:"previous_hash"`
	RecordHash   string          `json:"record_hash"`
	PayloadKind  PayloadKind     `json:"payload_kind"`
	Payload      json.RawMessage `json:"payload"`
	WormRef      string          `json:"worm_ref,omitempty"`
	WrittenAt    time.Time       `json:"written_at"`
}

// Log is the append-only, hash-chained audit store for one deployment.
// Single-writer, like the teacher's bbolt wrapper: bbolt itself permits
// only one write transaction at a time.
type Log struct {
	db       *bolt.DB
	lastHash string
	lastSeq  uint64
	signKey  ed25519.PrivateKey // signs export manifests (spec.md §6 "bundle signature")
}

// Open opens (or creates) the bbolt database at path, initializes its
// buckets, verifies the schema version, primes the in-memory chain-tip
// (lastHash, lastSeq) from the last written record so appends continue
// the chain correctly across restarts, and loads (generating once, on
// first open) the Ed25519 key that signs export manifests.
func Open(path string) (*Log, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	var seed []byte
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRecords, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(metaKeySchemaVersion)) == nil {
			if err := meta.Put([]byte(metaKeySchemaVersion), []byte(SchemaVersion)); err != nil {
				return err
			}
		}
		if existing := meta.Get([]byte(metaKeySigningSeed)); existing != nil {
			seed = append([]byte(nil), existing...)
			return nil
		}
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("audit: generate signing key: %w", err)
		}
		seed = priv.Seed()
		return meta.Put([]byte(metaKeySigningSeed), seed)
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: database initialisation failed: %w", err)
	}

	l := &Log{db: bdb, lastHash: GenesisPreviousHash, signKey: ed25519.NewKeyFromSeed(seed)}
	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if err := l.primeChainTip(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte(metaKeySchemaVersion))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: database has %q, engine requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// signingKeyID derives a stable identifier for the log's signing key
// (the hash of its public half), included in every export manifest so a
// verifier can tell which key to check signature.bin against.
func (l *Log) signingKeyID() string {
	sum := sha256.Sum256(l.signKey.Public().(ed25519.PublicKey))
	return hex.EncodeToString(sum[:])[:16]
}

func (l *Log) primeChainTip() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("audit: corrupt tip record: %w", err)
		}
		l.lastHash = rec.RecordHash
		l.lastSeq = rec.Sequence
		return nil
	})
}

// recordKey produces a sortable key: zero-padded sequence number.
func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// canonicalize produces the deterministic byte form hashed into
// record_hash: JSON with fixed field order over (sequence,
// previous_hash, payload_kind, payload).
func canonicalize(seq uint64, previousHash string, kind PayloadKind, payload json.RawMessage) []byte {
	buf := fmt.Sprintf(`{"sequence":%d,"previous_hash":%q,"payload_kind":%q,"payload":%s}`,
		seq, previousHash, kind, string(payload))
	return []byte(buf)
}

// Append writes one record, chaining it to the current tip. kind
// describes what payload represents; payload must already be
// canonical-enough JSON (produced by encoding/json.Marshal on a stable
// struct — callers should not hand-build JSON strings).
func (l *Log) Append(kind PayloadKind, payload any, wormRef string) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal payload: %w", err)
	}

	seq := l.lastSeq + 1
	previousHash := l.lastHash
	sum := sha256.Sum256(canonicalize(seq, previousHash, kind, data))
	recordHash := hex.EncodeToString(sum[:])

	rec := Record{
		Sequence:     seq,
		PreviousHash: previousHash,
		RecordHash:   recordHash,
		PayloadKind:  kind,
		Payload:      data,
		WormRef:      wormRef,
		WrittenAt:    time.Now().UTC(),
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		return b.Put(recordKey(seq), encoded)
	}); err != nil {
		return Record{}, fmt.Errorf("audit: append: %w", err)
	}

	l.lastSeq = seq
	l.lastHash = recordHash
	return rec, nil
}

// All returns every record in sequence order, for export/verification.
func (l *Log) All() ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying bbolt file.
func (l *Log) Close() error {
	return l.db.Close()
}

// ExportManifest is manifest.json in an audit.export(range) bundle
// (spec.md §4.9, §6): the sequence span and record count it covers, the
// SHA-256 of the records.jsonl file it was written alongside, the
// wall-clock range those records span, and the id of the key that
// signed it.
type ExportManifest struct {
	StartSequence uint64    `json:"start_sequence"`
	EndSequence   uint64    `json:"end_sequence"`
	RecordCount   int       `json:"record_count"`
	FileSHA256    string    `json:"file_sha256"`
	TimeRangeFrom time.Time `json:"time_range_from"`
	TimeRangeTo   time.Time `json:"time_range_to"`
	SigningKeyID  string    `json:"signing_key_id"`
}

// snapshotTo writes a consistent point-in-time copy of the database to
// path via bolt.Tx.WriteTo, so Export reads never block, and are never
// blocked by, a concurrent Append (spec.md §5: "reads [for export]
// operate on ... a snapshot of the live file").
func (l *Log) snapshotTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create snapshot: %w", err)
	}
	defer f.Close()
	return l.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
}

// Export writes the on-disk bundle described in spec.md §6 into dir:
// records.jsonl (one JSON record per line, sequence range
// [startSeq, endSeq] inclusive), manifest.json, and signature.bin (an
// Ed25519 detached signature over manifest.json's bytes). It returns
// ErrRangeEmpty if no record in the log falls within the requested
// range.
func (l *Log) Export(dir string, startSeq, endSeq uint64) (ExportManifest, error) {
	if endSeq < startSeq {
		return ExportManifest{}, fmt.Errorf("%w: end %d before start %d", ErrRangeEmpty, endSeq, startSeq)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", err)
	}

	snapshotPath := filepath.Join(dir, ".audit-export-snapshot.db")
	if err := l.snapshotTo(snapshotPath); err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", err)
	}
	defer os.Remove(snapshotPath)

	snap, err := bolt.Open(snapshotPath, 0o600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: open snapshot: %w", err)
	}
	defer snap.Close()

	recordsPath := filepath.Join(dir, "records.jsonl")
	f, err := os.Create(recordsPath)
	if err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", err)
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)
	var count int
	var firstSeq, lastSeq uint64
	var firstTime, lastTime time.Time

	walkErr := snap.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketRecords)).Cursor()
		for k, v := c.Seek(recordKey(startSeq)); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at key %q: %w", k, err)
			}
			if rec.Sequence > endSeq {
				break
			}
			if count == 0 {
				firstSeq, firstTime = rec.Sequence, rec.WrittenAt
			}
			lastSeq, lastTime = rec.Sequence, rec.WrittenAt
			if _, err := w.Write(v); err != nil {
				return err
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	closeErr := f.Close()
	if walkErr != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", walkErr)
	}
	if closeErr != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", closeErr)
	}
	if count == 0 {
		_ = os.Remove(recordsPath)
		return ExportManifest{}, ErrRangeEmpty
	}

	manifest := ExportManifest{
		StartSequence: firstSeq,
		EndSequence:   lastSeq,
		RecordCount:   count,
		FileSHA256:    hex.EncodeToString(h.Sum(nil)),
		TimeRangeFrom: firstTime,
		TimeRangeTo:   lastTime,
		SigningKeyID:  l.signingKeyID(),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", err)
	}

	signature := ed25519.Sign(l.signKey, manifestBytes)
	if err := os.WriteFile(filepath.Join(dir, "signature.bin"), signature, 0o644); err != nil {
		return ExportManifest{}, fmt.Errorf("audit: export: %w", err)
	}

	return manifest, nil
}

// VerifyBundle re-derives a VerificationReport for a bundle written by
// Export: it checks every record in records.jsonl (chain continuity,
// sequence continuity, timestamp monotonicity — via Verify), that the
// file's recomputed SHA-256 matches manifest.FileSHA256, and that
// signature.bin is a valid Ed25519 signature over the manifest bytes
// under publicKey (spec.md §4.9's "file hash matches manifest, signature
// valid").
func VerifyBundle(dir string, manifest ExportManifest, publicKey ed25519.PublicKey) VerificationReport {
	recordsPath := filepath.Join(dir, "records.jsonl")
	data, err := os.ReadFile(recordsPath)
	if err != nil {
		return VerificationReport{OK: false, Reason: fmt.Sprintf("read records.jsonl: %v", err)}
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != manifest.FileSHA256 {
		return VerificationReport{OK: false, Reason: "records.jsonl sha256 does not match manifest"}
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return VerificationReport{OK: false, Reason: fmt.Sprintf("marshal manifest: %v", err)}
	}
	signature, err := os.ReadFile(filepath.Join(dir, "signature.bin"))
	if err != nil {
		return VerificationReport{OK: false, Reason: fmt.Sprintf("read signature.bin: %v", err)}
	}
	if !ed25519.Verify(publicKey, manifestBytes, signature) {
		return VerificationReport{OK: false, Reason: "signature.bin does not verify against manifest"}
	}

	var records []Record
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return VerificationReport{OK: false, Reason: fmt.Sprintf("corrupt records.jsonl line: %v", err)}
		}
		records = append(records, rec)
	}
	return Verify(records)
}

// VerificationReport is the outcome of verifying an exported or
// in-place record sequence (a supplemented feature beyond spec.md's own
// text: the hash-chaining contract implies verifiability, but the
// operation itself is not separately named in the distilled spec).
type VerificationReport struct {
	OK          bool
	RecordCount int
	FirstBroken uint64 // 0 if OK
	Reason      string
}

// Verify walks records in sequence order and confirms (spec.md §4.9):
// sequence continuity (no gaps, strictly increasing from the first
// record's own sequence), hash-chain continuity (a slice starting at
// sequence 1 must carry the genesis previous_hash; a slice starting later,
// such as an exported sub-range, takes its first previous_hash as given;
// every later record's previous_hash matches the prior record's
// record_hash), every record's record_hash matches a recomputation from
// its own fields, and written_at is monotonically non-decreasing.
func Verify(records []Record) VerificationReport {
	if len(records) == 0 {
		return VerificationReport{OK: true}
	}

	expectedPrev := GenesisPreviousHash
	if records[0].Sequence != 1 {
		expectedPrev = records[0].PreviousHash
	}
	expectedSeq := records[0].Sequence
	var lastWrittenAt time.Time
	for i, rec := range records {
		if rec.Sequence != expectedSeq {
			return VerificationReport{
				OK:          false,
				RecordCount: len(records),
				FirstBroken: rec.Sequence,
				Reason:      fmt.Sprintf("sequence gap: expected %d, got %d", expectedSeq, rec.Sequence),
			}
		}
		if rec.PreviousHash != expectedPrev {
			return VerificationReport{
				OK:          false,
				RecordCount: len(records),
				FirstBroken: rec.Sequence,
				Reason:      "previous_hash does not match prior record's record_hash",
			}
		}
		sum := sha256.Sum256(canonicalize(rec.Sequence, rec.PreviousHash, rec.PayloadKind, rec.Payload))
		recomputed := hex.EncodeToString(sum[:])
		if recomputed != rec.RecordHash {
			return VerificationReport{
				OK:          false,
				RecordCount: len(records),
				FirstBroken: rec.Sequence,
				Reason:      "record_hash does not match recomputed hash",
			}
		}
		if i > 0 && rec.WrittenAt.Before(lastWrittenAt) {
			return VerificationReport{
				OK:          false,
				RecordCount: len(records),
				FirstBroken: rec.Sequence,
				Reason:      "written_at is not monotonically non-decreasing",
			}
		}
		expectedPrev = rec.RecordHash
		expectedSeq++
		lastWrittenAt = rec.WrittenAt
	}
	return VerificationReport{OK: true, RecordCount: len(records)}
}

// PublicKey returns the public half of the log's export-signing key, for
// callers that need to verify a bundle produced by Export (e.g. a
// separate audit.export(range) transport handler wiring signature
// verification to VerifyBundle).
func (l *Log) PublicKey() ed25519.PublicKey {
	return l.signKey.Public().(ed25519.PublicKey)
}
