package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

const timestampLayout = "20060102_150405"

var (
	timestampPattern = regexp.MustCompile(`20\d{6}_\d{6}`)

	credentialErrorCodes = map[string]bool{
		"InvalidAccessKeyId":    true,
		"SignatureDoesNotMatch": true,
		"ExpiredToken":          true,
		"InvalidToken":          true,
		"AccessDenied":          true,
	}
)

// Source is the artifact to upload: a file on disk, or bytes that have not
// been written anywhere yet.
type Source struct {
	Path string
	Data []byte
	// Ext applies to Data sources, e.g. ".png".
	Ext string
}

// UploaderOptions configures an Uploader for one environment.
type UploaderOptions struct {
	// Putter is nil when the environment has no storage credentials.
	Putter   ObjectPutter
	Files    *FileStore
	Bucket   string
	Region   string
	Location *time.Location
	Logger   *infra.Logger
	Now      func() time.Time
}

// Uploader pushes artifacts to object storage. Upload never returns an error;
// failures come back as an UploadResult carrying the local path.
type Uploader struct {
	putter   ObjectPutter
	files    *FileStore
	bucket   string
	region   string
	location *time.Location
	logger   *infra.Logger
	now      func() time.Time
}

// NewUploader builds an Uploader; timestamps default to UTC and time.Now.
func NewUploader(opts UploaderOptions) *Uploader {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Uploader{
		putter:   opts.Putter,
		files:    opts.Files,
		bucket:   opts.Bucket,
		region:   opts.Region,
		location: loc,
		logger:   infra.LoggerOrDiscard(opts.Logger),
		now:      now,
	}
}

// ObjectKey builds {entity:08d}/{kind}/{seq:04d}_{timestamp}{ext}. A timestamp
// already present in fileName is kept so re-uploads of the same file land on
// the same key.
func ObjectKey(entityID, sequenceID int, kind domain.ArtifactKind, fileName string, at time.Time) string {
	base := filepath.Base(fileName)
	ext := filepath.Ext(base)
	ts := timestampPattern.FindString(strings.TrimSuffix(base, ext))
	if ts == "" {
		ts = at.Format(timestampLayout)
	}
	return fmt.Sprintf("%08d/%s/%04d_%s%s", entityID, kind, sequenceID, ts, strings.ToLower(ext))
}

// ObjectURL is the canonical virtual-hosted URL of an object.
func ObjectURL(bucket, region, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}

// Upload stores src under the deterministic key for (entityID, sequenceID).
func (u *Uploader) Upload(ctx context.Context, src Source, entityID, sequenceID int, kind domain.ArtifactKind) domain.UploadResult {
	if kind == "" {
		kind = domain.ArtifactKindImage
	}
	log := u.logger.With().Int("entity_id", entityID).Int("sequence_id", sequenceID).Logger()
	at := u.now().In(u.location)

	localPath, data, result, ok := u.resolve(ctx, src, entityID, sequenceID, kind, at)
	if !ok {
		log.Error().Str("error_kind", string(result.ErrorKind)).Str("local_path", result.LocalPath).Msg("storage: " + result.Error)
		return result
	}
	if u.putter == nil || u.bucket == "" {
		log.Warn().Str("local_path", localPath).Msg("storage: credentials or bucket missing, keeping local copy")
		return domain.UploadFailed(domain.StorageCredentialsMissing, "storage credentials or bucket are not configured", localPath)
	}

	key := ObjectKey(entityID, sequenceID, kind, localPath, at)
	if err := u.putter.PutObject(ctx, u.bucket, key, data, contentType(localPath, data)); err != nil {
		errKind := classifyPutError(err)
		log.Error().Err(err).Str("error_kind", string(errKind)).Str("key", key).Msg("storage: upload failed")
		return domain.UploadFailed(errKind, fmt.Sprintf("upload %s: %v", key, err), localPath)
	}

	url := ObjectURL(u.bucket, u.region, key)
	log.Info().Str("key", key).Str("url", url).Msg("storage: uploaded")
	return domain.UploadSucceeded(url)
}

// resolve returns the local path and bytes for src. Byte sources are written
// to the FileStore first so a later failure still has a path to report.
func (u *Uploader) resolve(
	ctx context.Context,
	src Source,
	entityID, sequenceID int,
	kind domain.ArtifactKind,
	at time.Time,
) (string, []byte, domain.UploadResult, bool) {
	if src.Path != "" {
		data, err := os.ReadFile(src.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return "", nil, domain.UploadFailed(domain.StorageFileNotFound, "file not found: "+src.Path, src.Path), false
		case err != nil:
			return "", nil, domain.UploadFailed(domain.StorageUploadError, "read local file: "+err.Error(), src.Path), false
		}
		return src.Path, data, domain.UploadResult{}, true
	}

	ext := src.Ext
	if ext == "" {
		ext = defaultExt(kind)
	}
	key := ObjectKey(entityID, sequenceID, kind, "artifact"+ext, at)
	if u.files == nil {
		return "", nil, domain.UploadFailed(domain.StorageUploadError, "no local store for byte upload", key), false
	}
	localPath, err := u.files.Write(ctx, key, src.Data)
	if err != nil {
		intended, _ := u.files.Path(key)
		if intended == "" {
			intended = key
		}
		return "", nil, domain.UploadFailed(domain.StorageUploadError, "write local copy: "+err.Error(), intended), false
	}
	return localPath, src.Data, domain.UploadResult{}, true
}

func classifyPutError(err error) domain.StorageErrorKind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && credentialErrorCodes[apiErr.ErrorCode()] {
		return domain.StorageInvalidCredentials
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusForbidden {
		return domain.StorageInvalidCredentials
	}
	return domain.StorageUploadError
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

func defaultExt(kind domain.ArtifactKind) string {
	if kind == domain.ArtifactKindAudio {
		return ".mp3"
	}
	return ".png"
}
