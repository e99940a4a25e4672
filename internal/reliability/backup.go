// Package reliability backs the SQLite store up to S3 and stages
// restores. A staged restore file is swapped into place on the next
// startup, before the database is opened.
package reliability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/database"
)

// stagedSuffix marks a downloaded snapshot awaiting swap-in.
const stagedSuffix = ".restore-staged"

// Service uploads database snapshots and stages restores.
type Service struct {
	db     *database.DB
	cfg    config.BackupConfig
	client *s3.Client
	log    zerolog.Logger
}

// New creates the backup service. Returns a disabled no-op service when
// backups are off or AWS configuration fails.
func New(ctx context.Context, db *database.DB, cfg config.BackupConfig, log zerolog.Logger) (*Service, error) {
	svc := &Service{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "backup").Logger(),
	}
	if !cfg.Enabled {
		return svc, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	svc.client = s3.NewFromConfig(awsCfg)
	return svc, nil
}

// Enabled reports whether uploads are active.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.client != nil
}

// Backup checkpoints the WAL and uploads a timestamped snapshot of the
// database file.
func (s *Service) Backup(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	// TRUNCATE folds the WAL into the main file so the upload is a
	// single consistent snapshot.
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	f, err := os.Open(s.db.Path())
	if err != nil {
		return fmt.Errorf("open database file: %w", err)
	}
	defer f.Close()

	key := s.snapshotKey(time.Now())
	uploader := manager.NewUploader(s.client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	s.log.Info().Str("bucket", s.cfg.Bucket).Str("key", key).Msg("database snapshot uploaded")
	return nil
}

// StageRestore downloads the most recent snapshot next to the database
// file. The swap happens at next startup via ApplyStagedRestore.
func (s *Service) StageRestore(ctx context.Context) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("backup disabled")
	}

	key, err := s.latestSnapshotKey(ctx)
	if err != nil {
		return "", err
	}

	staged := s.db.Path() + stagedSuffix
	f, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	defer f.Close()

	downloader := manager.NewDownloader(s.client)
	if _, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("download snapshot %s: %w", key, err)
	}

	s.log.Info().Str("key", key).Str("staged", staged).Msg("restore staged; restart to apply")
	return staged, nil
}

func (s *Service) snapshotKey(t time.Time) string {
	name := fmt.Sprintf("%s-%s", filepath.Base(s.db.Path()), t.UTC().Format("20060102-150405"))
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/" + name
	}
	return name
}

// latestSnapshotKey lists the prefix and picks the lexicographically
// newest key (the timestamp format sorts chronologically).
func (s *Service) latestSnapshotKey(ctx context.Context) (string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})
	if err != nil {
		return "", fmt.Errorf("list snapshots: %w", err)
	}
	if len(out.Contents) == 0 {
		return "", fmt.Errorf("no snapshots under %s/%s", s.cfg.Bucket, s.cfg.Prefix)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// ApplyStagedRestore swaps a staged snapshot into place. Must run before
// the database is opened; the previous file is kept as a .bak aside.
func ApplyStagedRestore(dbPath string, log zerolog.Logger) error {
	staged := dbPath + stagedSuffix
	if _, err := os.Stat(staged); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Remove WAL sidecars so the restored file opens clean.
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, dbPath+".bak"); err != nil {
			return fmt.Errorf("set aside current database: %w", err)
		}
	}
	if err := os.Rename(staged, dbPath); err != nil {
		return fmt.Errorf("apply staged restore: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("staged database restore applied")
	return nil
}
