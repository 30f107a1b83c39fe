package reliability

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/database"
	"github.com/aristath/arena/internal/events"
)

const (
	backupPrefix = "arena-ledger-"
	backupStamp  = "2006-01-02-150405"

	// minBackupsKept backups survive rotation regardless of age.
	minBackupsKept = 3
)

// Manifest describes one uploaded snapshot.
type Manifest struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"` // sha256, hex
}

// BackupInfo summarizes one stored backup for listings.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService ships consistent ledger snapshots to object storage.
type BackupService struct {
	store         ObjectStore
	ledger        *database.DB
	dataDir       string
	bucket        string
	retentionDays int
	events        *events.Manager
	log           zerolog.Logger
}

// NewBackupService creates the ledger backup service. retentionDays 0
// disables age pruning.
func NewBackupService(store ObjectStore, ledger *database.DB, dataDir, bucket string,
	retentionDays int, eventMgr *events.Manager, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:         store,
		ledger:        ledger,
		dataDir:       dataDir,
		bucket:        bucket,
		retentionDays: retentionDays,
		events:        eventMgr,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// Run snapshots ledger.db with VACUUM INTO, uploads the copy and its
// manifest, then prunes old backups. The live database is never touched.
func (s *BackupService) Run(ctx context.Context) (*Manifest, error) {
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	stamp := time.Now().UTC().Format(backupStamp)
	snapshotName := backupPrefix + stamp + ".db"
	snapshotPath := filepath.Join(stagingDir, snapshotName)

	if err := s.ledger.VacuumInto(ctx, snapshotPath); err != nil {
		return nil, fmt.Errorf("failed to snapshot ledger: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	manifest := &Manifest{
		Timestamp: time.Now().UTC(),
		Database:  "ledger",
		Filename:  snapshotName,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}

	snapshot, err := os.Open(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snapshot.Close()

	if err := s.store.Upload(ctx, snapshotName, snapshot); err != nil {
		return nil, err
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	manifestKey := backupPrefix + stamp + ".manifest.json"
	if err := s.store.Upload(ctx, manifestKey, bytes.NewReader(manifestData)); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("key", snapshotName).
		Int64("size_bytes", manifest.SizeBytes).
		Dur("elapsed", time.Since(start)).
		Msg("Ledger backup uploaded")
	s.events.EmitData("backup", &events.BackupCompletedData{
		Bucket:    s.bucket,
		Key:       snapshotName,
		SizeBytes: manifest.SizeBytes,
	})

	if err := s.Rotate(ctx); err != nil {
		// The backup itself succeeded; rotation can catch up tomorrow.
		s.log.Error().Err(err).Msg("Backup rotation failed")
	}

	return manifest, nil
}

// ListBackups returns stored snapshots, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".db") {
			continue
		}
		stampStr := strings.TrimSuffix(strings.TrimPrefix(obj.Key, backupPrefix), ".db")
		stamp, err := time.Parse(backupStamp, stampStr)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Unparseable backup key, skipped")
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: stamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(stamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes backups older than the retention window, always keeping
// the newest minBackupsKept regardless of age.
func (s *BackupService) Rotate(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	for i, backup := range backups {
		if i < minBackupsKept || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		manifestKey := strings.TrimSuffix(backup.Key, ".db") + ".manifest.json"
		if err := s.store.Delete(ctx, manifestKey); err != nil {
			s.log.Warn().Err(err).Str("key", manifestKey).Msg("Failed to delete old manifest")
		}
		s.log.Info().Str("key", backup.Key).Int64("age_hours", backup.AgeHours).Msg("Old backup deleted")
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
