package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"blockjudge/internal/common/storage"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	archivePrefix      = "verdicts/"
	archiveSuffix      = ".json.zst"
	archiveContentType = "application/zstd"
	maxArchiveBytes    = 64 << 20
)

// ArchiveVerdictStore keeps the unredacted verdict of every submission as
// a zstd-compressed JSON object.
type ArchiveVerdictStore struct {
	storage storage.ObjectStorage
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewArchiveVerdictStore(objects storage.ObjectStorage, bucket string) (*ArchiveVerdictStore, error) {
	if objects == nil {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("object storage is required")
	}
	if bucket == "" {
		return nil, pkgerrors.ValidationError("bucket", "required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "create zstd encoder failed")
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchiveBytes))
	if err != nil {
		encoder.Close()
		return nil, pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "create zstd decoder failed")
	}
	return &ArchiveVerdictStore{storage: objects, bucket: bucket, encoder: encoder, decoder: decoder}, nil
}

// ArchiveKey is the object key for a submission's verdict.
func ArchiveKey(submissionID string) string {
	return archivePrefix + submissionID + archiveSuffix
}

func (a *ArchiveVerdictStore) SaveVerdict(ctx context.Context, record service.VerdictRecord) error {
	if record.Submission.ID == "" {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(record.Raw)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "marshal verdict failed")
	}
	compressed := a.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	err = a.storage.PutObject(ctx, a.bucket, ArchiveKey(record.Submission.ID),
		bytes.NewReader(compressed), int64(len(compressed)), archiveContentType)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.StorageError, "archive verdict %s failed", record.Submission.ID)
	}
	return nil
}

func (a *ArchiveVerdictStore) GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	key := ArchiveKey(submissionID)
	stat, err := a.storage.StatObject(ctx, a.bucket, key)
	if err != nil {
		return nil, a.readError(err, submissionID)
	}
	if stat.SizeBytes > maxArchiveBytes {
		return nil, pkgerrors.Newf(pkgerrors.StorageError, "verdict %s archive is %d bytes, over the %d byte limit",
			submissionID, stat.SizeBytes, int64(maxArchiveBytes))
	}
	reader, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		return nil, a.readError(err, submissionID)
	}
	defer reader.Close()

	compressed, err := io.ReadAll(io.LimitReader(reader, maxArchiveBytes))
	if err != nil {
		return nil, a.readError(err, submissionID)
	}
	payload, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "decompress verdict %s failed", submissionID)
	}
	var v model.Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "decode verdict %s failed", submissionID)
	}
	return &v, nil
}

func (a *ArchiveVerdictStore) Close() {
	a.encoder.Close()
	a.decoder.Close()
}

func (a *ArchiveVerdictStore) readError(err error, submissionID string) error {
	if storage.IsNotFound(err) {
		return pkgerrors.Newf(pkgerrors.NotFound, "verdict %s not found", submissionID)
	}
	return pkgerrors.Wrapf(err, pkgerrors.StorageError, "read verdict %s failed", submissionID)
}
