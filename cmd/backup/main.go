package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// auditTables ist der Prüfpfad: Register, Verdict-Log und Fraud-Alerts.
var auditTables = []string{"issuers", "registry_entries", "verification_verdicts", "fraud_alerts"}

type BackupConfig struct {
	DBHost          string `envconfig:"DB_HOST" required:"true"`
	DBPort          int    `envconfig:"DB_PORT" default:"5432"`
	DBUser          string `envconfig:"DB_USER" required:"true"`
	DBPassword      string `envconfig:"DB_PASSWORD" required:"true"`
	DBName          string `envconfig:"DB_NAME" required:"true"`
	BackupBucket    string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint  string `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey string `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey string `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion    string `envconfig:"BACKUP_S3_REGION" required:"true"`
	BackupPrefix    string `envconfig:"BACKUP_PREFIX" default:"audit/"`
	KeepBackups     int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("Starting audit trail backup")

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// 1. Dump der Audit-Tabellen
	dumpData, err := createDump(ctx, cfg)
	if err != nil {
		logging.Fatal("pg_dump failed", zap.Error(err))
	}

	// 2. S3-Client
	s3Client, err := createS3Client(ctx, cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}

	// 3. Upload
	key := backupKey(cfg.BackupPrefix, time.Now())
	if err := uploadToS3(ctx, s3Client, cfg, key, dumpData); err != nil {
		logging.Fatal("Upload failed", zap.String("key", key), zap.Error(err))
	}
	logging.Info("Backup uploaded", zap.String("bucket", cfg.BackupBucket), zap.String("key", key), zap.Int("bytes", len(dumpData)))

	// 4. Rotation
	deleted, err := rotateBackups(ctx, s3Client, cfg, logging)
	if err != nil {
		logging.Fatal("Backup rotation failed", zap.Error(err))
	}
	logging.Info("Backup completed", zap.Int("rotated", deleted))
}

func backupKey(prefix string, t time.Time) string {
	return fmt.Sprintf("%saudit-%s.sql.gz", prefix, t.UTC().Format("2006-01-02T15-04-05Z"))
}

func dumpArgs(cfg BackupConfig) []string {
	args := []string{
		"-h", cfg.DBHost,
		"-p", strconv.Itoa(cfg.DBPort),
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w", // Passwort kommt über PGPASSWORD
	}
	for _, t := range auditTables {
		args = append(args, "-t", t)
	}
	return args
}

func createDump(ctx context.Context, cfg BackupConfig) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump", dumpArgs(cfg)...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.DBPassword))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func createS3Client(ctx context.Context, cfg BackupConfig) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               cfg.BackupEndpoint,
			SigningRegion:     cfg.BackupRegion,
			HostnameImmutable: true,
		}, nil
	})

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.BackupAccessKey, cfg.BackupSecretKey, "")),
		config.WithRegion(cfg.BackupRegion),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg), nil
}

func uploadToS3(ctx context.Context, client *s3.Client, cfg BackupConfig, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(cfg.BackupBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	return err
}

// expiredBackups liefert alle Objekte jenseits der keep neuesten.
func expiredBackups(objects []types.Object, keep int) []types.Object {
	if len(objects) <= keep {
		return nil
	}
	sorted := append([]types.Object(nil), objects...)
	sort.Slice(sorted, func(i, j int) bool {
		return aws.ToTime(sorted[i].LastModified).After(aws.ToTime(sorted[j].LastModified))
	})
	return sorted[keep:]
}

func rotateBackups(ctx context.Context, client *s3.Client, cfg BackupConfig, logging *zap.Logger) (int, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(cfg.BackupPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		objects = append(objects, page.Contents...)
	}

	expired := expiredBackups(objects, cfg.KeepBackups)
	if len(expired) == 0 {
		logging.Info("No rotation needed", zap.Int("backups", len(objects)), zap.Int("keep", cfg.KeepBackups))
		return 0, nil
	}

	var deleted int
	for _, obj := range expired {
		key := aws.ToString(obj.Key)
		logging.Info("Deleting old backup", zap.String("key", key))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			logging.Error("Failed to delete backup", zap.String("key", key), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
