// Package mirror replicates committed backup objects to S3-compatible
// object storage. Replication is strictly best-effort and asynchronous:
// the write path enqueues events and moves on; a full queue drops the
// event, and an upload failure is retried with backoff, then logged.
package mirror

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bkpfs/bkpfs/internal/config"
	"github.com/bkpfs/bkpfs/pkg/errors"
	"github.com/bkpfs/bkpfs/pkg/retry"
)

// api is the slice of the S3 client the mirror uses.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type eventKind uint8

const (
	eventUpload eventKind = iota
	eventDelete
)

type event struct {
	kind eventKind
	rel  string
}

// Mirror replicates the backup-object namespace of one mount into a
// bucket. It implements the engine's Notifier.
type Mirror struct {
	client   api
	bucket   string
	prefix   string
	lowerDir string
	retryer  *retry.Retryer
	logger   *slog.Logger

	queue  chan event
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// New builds a mirror from the daemon configuration, using the default
// AWS credential chain.
func New(ctx context.Context, cfg config.MirrorConfig, lowerDir string, logger *slog.Logger) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindInvalidArgument, "mirror.new", "")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "mirror.new", cfg.Bucket, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newWithClient(client, cfg, lowerDir, logger), nil
}

// newWithClient wires a mirror over an existing client; tests use it
// with a fake.
func newWithClient(client api, cfg config.MirrorConfig, lowerDir string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 128
	}
	return &Mirror{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		lowerDir: lowerDir,
		retryer:  retry.New(retry.DefaultConfig()),
		logger:   logger,
		queue:    make(chan event, depth),
		done:     make(chan struct{}),
	}
}

// Start launches the replication worker.
func (m *Mirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev := <-m.queue:
				m.process(ev)
			case <-m.done:
				// drain what is already queued, then stop
				for {
					select {
					case ev := <-m.queue:
						m.process(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close stops the worker after draining the queue.
func (m *Mirror) Close() {
	m.closed.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

// BackupCreated enqueues an upload of a freshly committed backup object.
func (m *Mirror) BackupCreated(rel string) {
	m.enqueue(event{kind: eventUpload, rel: rel})
}

// BackupRemoved enqueues removal of a pruned or deleted backup object.
func (m *Mirror) BackupRemoved(rel string) {
	m.enqueue(event{kind: eventDelete, rel: rel})
}

func (m *Mirror) enqueue(ev event) {
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("mirror queue full, dropping event",
			"path", ev.rel, "kind", ev.kind)
	}
}

// Key maps a mount-relative backup path to its object key.
func (m *Mirror) Key(rel string) string {
	return path.Join(m.prefix, filepath.ToSlash(rel))
}

func (m *Mirror) process(ev event) {
	switch ev.kind {
	case eventUpload:
		m.upload(ev.rel)
	case eventDelete:
		m.remove(ev.rel)
	}
}

func (m *Mirror) upload(rel string) {
	key := m.Key(rel)
	err := m.retryer.Do(func() error {
		f, err := os.Open(filepath.Join(m.lowerDir, rel))
		if err != nil {
			if os.IsNotExist(err) {
				// pruned before the worker got to it; nothing to replicate
				return nil
			}
			return errors.Wrap(errors.KindIO, "mirror.upload", rel, err)
		}
		defer f.Close()

		_, err = m.client.PutObject(context.Background(), &s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		if err != nil {
			return errors.Wrap(errors.KindIO, "mirror.upload", key, err)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("mirror upload failed", "key", key, "error", err)
		return
	}
	m.logger.Debug("mirror upload complete", "key", key)
}

func (m *Mirror) remove(rel string) {
	key := m.Key(rel)
	err := m.retryer.Do(func() error {
		_, err := m.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return errors.Wrap(errors.KindIO, "mirror.remove", key, err)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("mirror delete failed", "key", key, "error", err)
		return
	}
	m.logger.Debug("mirror delete complete", "key", key)
}
