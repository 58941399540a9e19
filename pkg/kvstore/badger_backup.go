package kvstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fystack/idbkv/pkg/common/pathutil"
	"github.com/fystack/idbkv/pkg/encryption"
	"github.com/fystack/idbkv/pkg/logger"
)

const (
	magic             = "IDBKV_BACKUP"
	versionFileName   = "latest.version"
	defaultBackupDir  = "./backups"
	backupLoadThreads = 10
)

type BadgerBackupMeta struct {
	Store           string `json:"store"`
	Algo            string `json:"algo"`              // AES-256-GCM
	NonceB64        string `json:"nonce_b64"`         // base64 nonce
	CreatedAt       string `json:"created_at"`        // RFC3339
	Since           uint64 `json:"since"`             // input watermark
	NextSince       uint64 `json:"next_since"`        // output watermark
	EncryptionKeyID string `json:"encryption_key_id"` // sha256(key) prefix
}

type BadgerBackupVersionInfo struct {
	Counter   uint64 `json:"version"`    // Human-readable counter
	Since     uint64 `json:"since"`      // Badger internal backup offset
	UpdatedAt string `json:"updated_at"` // RFC3339
}

// BadgerBackupExecutor writes encrypted incremental backups of badger-hosted
// stores, one directory per store, and loads them back in order.
type BadgerBackupExecutor struct {
	NodeID              string
	BackupEncryptionKey []byte
	BackupDir           string
}

// NewBadgerBackupExecutor creates a new backup executor. If backupDir is empty, uses ./backups
func NewBadgerBackupExecutor(nodeID string, backupEncryptionKey []byte, backupDir string) (*BadgerBackupExecutor, error) {
	if len(backupEncryptionKey) == 0 {
		return nil, ErrEncryptionKeyNotProvided
	}
	if backupDir == "" {
		backupDir = defaultBackupDir
	}
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &BadgerBackupExecutor{
		NodeID:              nodeID,
		BackupEncryptionKey: backupEncryptionKey,
		BackupDir:           backupDir,
	}, nil
}

func (b *BadgerBackupExecutor) storeDir(store string) (string, error) {
	return pathutil.SafePath(b.BackupDir, store)
}

// Execute backs up everything written to db since the previous backup of
// store. It returns the path of the new backup file, or "" when nothing changed.
func (b *BadgerBackupExecutor) Execute(store string, db *badger.DB) (string, error) {
	dir, err := b.storeDir(store)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	info, err := b.LoadVersionInfo(store)
	if err != nil {
		return "", fmt.Errorf("failed to load version info: %w", err)
	}

	since := info.Since
	counter := info.Counter + 1
	now := time.Now()

	var plain bytes.Buffer
	nextSince, err := db.Backup(&plain, since)
	if err != nil {
		return "", err
	}

	if plain.Len() == 0 || nextSince == since {
		logger.Info("No changes since last backup, skipping", "store", store, "since", since)
		return "", nil
	}

	ct, nonce, err := encryption.EncryptAESGCM(plain.Bytes(), b.BackupEncryptionKey)
	if err != nil {
		return "", err
	}

	meta := BadgerBackupMeta{
		Store:           store,
		Algo:            "AES-256-GCM",
		NonceB64:        base64.StdEncoding.EncodeToString(nonce),
		CreatedAt:       now.Format(time.RFC3339),
		Since:           since,
		NextSince:       nextSince,
		EncryptionKeyID: fmt.Sprintf("%x", sha256.Sum256(b.BackupEncryptionKey))[:16],
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("backup-%06d-%s-%s.enc", counter, b.NodeID, now.Format("2006-01-02_15-04-05"))
	outPath := filepath.Join(dir, filename)
	if err := writeBackupFile(outPath, metaJSON, ct); err != nil {
		return "", err
	}

	logger.Info("Encrypted backup written", "store", store, "file", filename, "version", counter)
	if err := b.SaveVersionInfo(store, counter, nextSince); err != nil {
		logger.Warn("Failed to save backup version", "store", store, "error", err.Error())
	}
	return outPath, nil
}

func writeBackupFile(path string, metaJSON, ct []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(magic)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(len(metaJSON))); err != nil {
		return err
	}
	if _, err := f.Write(metaJSON); err != nil {
		return err
	}
	if _, err := f.Write(ct); err != nil {
		return err
	}
	return f.Sync()
}

func (b *BadgerBackupExecutor) SaveVersionInfo(store string, counter, since uint64) error {
	dir, err := b.storeDir(store)
	if err != nil {
		return err
	}
	info := BadgerBackupVersionInfo{
		Counter:   counter,
		Since:     since,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, versionFileName), data, 0600)
}

func (b *BadgerBackupExecutor) LoadVersionInfo(store string) (BadgerBackupVersionInfo, error) {
	var info BadgerBackupVersionInfo
	dir, err := b.storeDir(store)
	if err != nil {
		return info, err
	}
	data, err := os.ReadFile(filepath.Join(dir, versionFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BadgerBackupVersionInfo{UpdatedAt: time.Now().UTC().Format(time.RFC3339)}, nil
		}
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// SortedEncryptedBackups lists the backup files of store, oldest first.
func (b *BadgerBackupExecutor) SortedEncryptedBackups(store string) ([]string, error) {
	dir, err := b.storeDir(store)
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "backup-*.enc"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Restore loads every backup of store into db in order and returns how many
// files were applied.
func (b *BadgerBackupExecutor) Restore(store string, db *badger.DB) (int, error) {
	files, err := b.SortedEncryptedBackups(store)
	if err != nil {
		return 0, err
	}
	for i, file := range files {
		logger.Info("Restoring backup", "store", store, "file", filepath.Base(file))
		if err := b.loadEncryptedBackup(db, file); err != nil {
			return i, fmt.Errorf("restore %s: %w", filepath.Base(file), err)
		}
	}
	return len(files), nil
}

func readBackupMeta(r io.Reader) (BadgerBackupMeta, error) {
	var meta BadgerBackupMeta

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return meta, err
	}
	if string(magicBuf) != magic {
		return meta, fmt.Errorf("bad magic")
	}

	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return meta, err
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBuf); err != nil {
		return meta, err
	}
	err := json.Unmarshal(metaBuf, &meta)
	return meta, err
}

func (b *BadgerBackupExecutor) loadEncryptedBackup(db *badger.DB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	meta, err := readBackupMeta(f)
	if err != nil {
		return err
	}
	ct, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	nonce, err := base64.StdEncoding.DecodeString(meta.NonceB64)
	if err != nil {
		return err
	}
	plain, err := encryption.DecryptAESGCM(ct, b.BackupEncryptionKey, nonce)
	if err != nil {
		return err
	}
	return db.Load(bytes.NewReader(plain), backupLoadThreads)
}

func badgerDB(conn *Conn) (*badger.DB, error) {
	e, ok := conn.entry.engine.(*badgerEngine)
	if !ok {
		return nil, fmt.Errorf("%w: backups need the badger driver, store %s uses %s",
			ErrUnsupported, conn.name, conn.host.DriverName())
	}
	return e.db, nil
}

// BackupStore writes an incremental backup of an existing badger-hosted store.
func BackupStore(ctx context.Context, h *Host, name string, exec *BadgerBackupExecutor) (string, error) {
	conn, err := h.OpenExisting(ctx, name)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	db, err := badgerDB(conn)
	if err != nil {
		return "", err
	}
	return exec.Execute(name, db)
}

// RestoreStore replays all backups of name into the store, creating it if needed.
// It fails with ErrBlocked while other connections to the store are open, and
// other opens fail with ErrBlocked until the restore is done.
func RestoreStore(ctx context.Context, h *Host, name string, exec *BadgerBackupExecutor) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	conn, err := h.acquireExclusive(name, true)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	db, err := badgerDB(conn)
	if err != nil {
		return 0, err
	}
	return exec.Restore(name, db)
}
