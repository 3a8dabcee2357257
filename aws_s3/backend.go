// Package aws_s3 implements lyra.Backend on an S3 bucket. Conditional writes use
// If-Match / If-None-Match on PUT; history comes from bucket versioning.
package aws_s3

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/sharedcode/lyra"
)

// S3API is the part of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
}

const (
	envelopeMagic   = 'L'
	headerLenSize   = 4
	defaultPageSize = 100
)

// envelope is the object header stored in front of the data. Metadata lives in the
// body because S3 user metadata is limited to 2KB of ASCII.
type envelope struct {
	Metadata map[string]string `json:"m,omitempty"`
	// Nonce makes every write's ETag unique, so equal payloads never share a token.
	Nonce   string `json:"n"`
	Deleted bool   `json:"d,omitempty"`
}

func encodeBody(obj lyra.Object, deleted bool) ([]byte, error) {
	h, err := json.Marshal(envelope{Metadata: obj.Metadata, Nonce: lyra.NewUUID().String(), Deleted: deleted})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lyra.ErrMalformedRequest, err)
	}
	buf := make([]byte, 1+headerLenSize, 1+headerLenSize+len(h)+len(obj.Data))
	buf[0] = envelopeMagic
	binary.BigEndian.PutUint32(buf[1:], uint32(len(h)))
	buf = append(buf, h...)
	return append(buf, obj.Data...), nil
}

func decodeBody(body []byte) (lyra.Object, envelope, error) {
	var env envelope
	if len(body) < 1+headerLenSize || body[0] != envelopeMagic {
		return lyra.Object{}, env, errors.New("s3 object is not a lyra envelope")
	}
	n := int(binary.BigEndian.Uint32(body[1:]))
	start := 1 + headerLenSize
	if n > len(body)-start {
		return lyra.Object{}, env, errors.New("s3 object header truncated")
	}
	if err := json.Unmarshal(body[start:start+n], &env); err != nil {
		return lyra.Object{}, env, fmt.Errorf("s3 object header: %w", err)
	}
	obj := lyra.Object{Metadata: env.Metadata}
	if rest := body[start+n:]; len(rest) > 0 {
		obj.Data = rest
	}
	return obj, env, nil
}

// Backend stores each key as one object in a bucket.
type Backend struct {
	client       S3API
	bucket       string
	prefix       string
	maxWriteSize int
}

// NewBackend returns a backend over client using config's bucket and prefix.
func NewBackend(client S3API, config Config) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Backend{client: client, bucket: config.Bucket, prefix: config.Prefix, maxWriteSize: config.MaxWriteSize}, nil
}

// MaxWriteSize implements lyra.WriteLimiter.
func (b *Backend) MaxWriteSize() int {
	if b.maxWriteSize > 0 {
		return b.maxWriteSize
	}
	return lyra.DefaultMaxWriteSize
}

func (b *Backend) objectKey(key string) string {
	return b.prefix + key
}

// current reads the latest object. A tombstone is reported with found false and
// its ETag.
func (b *Backend) current(ctx context.Context, key string, versionID *string) (obj lyra.Object, etag string, found bool, err error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(b.bucket),
		Key:       aws.String(b.objectKey(key)),
		VersionId: versionID,
	})
	if err != nil {
		if isNotFound(err) {
			return lyra.Object{}, "", false, nil
		}
		return lyra.Object{}, "", false, classify(err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return lyra.Object{}, "", false, fmt.Errorf("%w: reading s3 object: %v", lyra.ErrThrottled, err)
	}
	obj, env, err := decodeBody(body)
	if err != nil {
		return lyra.Object{}, "", false, err
	}
	etag = aws.ToString(out.ETag)
	if env.Deleted {
		return lyra.Object{}, etag, false, nil
	}
	obj.Version = lyra.VersionToken(etag)
	obj.UpdatedAt = aws.ToTime(out.LastModified)
	return obj, etag, true, nil
}

// Get implements lyra.Backend.
func (b *Backend) Get(ctx context.Context, key string) (lyra.Object, bool, error) {
	obj, _, found, err := b.current(ctx, key, nil)
	return obj, found, err
}

func (b *Backend) put(ctx context.Context, key string, body []byte, ifMatch, ifNoneMatch *string) (lyra.VersionToken, error) {
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		IfMatch:       ifMatch,
		IfNoneMatch:   ifNoneMatch,
	})
	if err != nil {
		return "", classify(err)
	}
	return lyra.VersionToken(aws.ToString(out.ETag)), nil
}

// Set implements lyra.Backend.
func (b *Backend) Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error) {
	if obj.Size() > b.MaxWriteSize() {
		return "", lyra.ErrPayloadTooLarge
	}
	body, err := encodeBody(obj, false)
	if err != nil {
		return "", err
	}
	switch expected {
	case lyra.AnyVersion:
		return b.put(ctx, key, body, nil, nil)
	case lyra.NoVersion:
		tok, err := b.put(ctx, key, body, nil, aws.String("*"))
		if !errors.Is(err, lyra.ErrVersionConflict) {
			return tok, err
		}
		// A tombstone left by an interrupted delete counts as absent.
		_, etag, found, gerr := b.current(ctx, key, nil)
		if gerr != nil || found || etag == "" {
			return "", err
		}
		return b.put(ctx, key, body, aws.String(etag), nil)
	}
	return b.put(ctx, key, body, aws.String(string(expected)), nil)
}

// Delete implements lyra.Backend. A conditional delete first replaces the object
// with a tombstone under If-Match, then removes it.
func (b *Backend) Delete(ctx context.Context, key string, expected lyra.VersionToken) error {
	switch expected {
	case lyra.NoVersion:
		_, _, found, err := b.current(ctx, key, nil)
		if err != nil {
			return err
		}
		if found {
			return lyra.ErrVersionConflict
		}
		return nil
	case lyra.AnyVersion:
	default:
		body, err := encodeBody(lyra.Object{}, true)
		if err != nil {
			return err
		}
		if _, err := b.put(ctx, key, body, aws.String(string(expected)), nil); err != nil {
			return err
		}
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && expected == lyra.AnyVersion {
		return classify(err)
	}
	// Past the tombstone the key already reads as deleted.
	return nil
}

// ListVersions implements lyra.Backend. The key's whole history is listed, then
// filtered and paged; the cursor is an offset.
func (b *Backend) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	size := params.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	offset := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 {
			return lyra.VersionPage{}, fmt.Errorf("%w: cursor %q", lyra.ErrMalformedRequest, params.Cursor)
		}
		offset = n
	}
	all, err := b.history(ctx, params.Key)
	if err != nil {
		return lyra.VersionPage{}, err
	}
	var kept []lyra.VersionInfo
	for _, v := range all {
		if !params.MinDate.IsZero() && v.CreatedAt.Before(params.MinDate) {
			continue
		}
		if !params.MaxDate.IsZero() && v.CreatedAt.After(params.MaxDate) {
			continue
		}
		kept = append(kept, v)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if params.SortDescending {
			return kept[i].CreatedAt.After(kept[j].CreatedAt)
		}
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})
	var page lyra.VersionPage
	if offset >= len(kept) {
		return page, nil
	}
	end := offset + size
	if end < len(kept) {
		page.Cursor = strconv.Itoa(end)
	} else {
		end = len(kept)
	}
	page.Versions = kept[offset:end]
	return page, nil
}

// history lists every version and delete marker of exactly key, oldest first.
func (b *Backend) history(ctx context.Context, key string) ([]lyra.VersionInfo, error) {
	full := b.objectKey(key)
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(b.bucket), Prefix: aws.String(full)}
	var out []lyra.VersionInfo
	for {
		res, err := b.client.ListObjectVersions(ctx, in)
		if err != nil {
			return nil, classify(err)
		}
		for _, v := range res.Versions {
			if aws.ToString(v.Key) == full {
				out = append(out, lyra.VersionInfo{Key: key, Version: aws.ToString(v.VersionId), CreatedAt: aws.ToTime(v.LastModified)})
			}
		}
		for _, d := range res.DeleteMarkers {
			if aws.ToString(d.Key) == full {
				out = append(out, lyra.VersionInfo{Key: key, Version: aws.ToString(d.VersionId), CreatedAt: aws.ToTime(d.LastModified), Deleted: true})
			}
		}
		if !aws.ToBool(res.IsTruncated) {
			break
		}
		in.KeyMarker = res.NextKeyMarker
		in.VersionIdMarker = res.NextVersionIdMarker
	}
	// S3 lists newest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetVersion implements lyra.Backend. version is an S3 version id.
func (b *Backend) GetVersion(ctx context.Context, key string, version string) (lyra.Object, bool, error) {
	obj, _, found, err := b.current(ctx, key, aws.String(version))
	if err != nil || !found {
		return lyra.Object{}, false, err
	}
	obj.Version = lyra.VersionToken(version)
	return obj, true, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchVersion", "InvalidVersion":
			return true
		case "InvalidArgument":
			// Returned for version ids that do not parse.
			return true
		}
	}
	return false
}

// classify maps S3 error codes onto the engine's backend errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return fmt.Errorf("%w: %v", lyra.ErrVersionConflict, err)
	case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "ServiceUnavailable", "InternalError", "RequestLimitExceeded":
		return fmt.Errorf("%w: %v", lyra.ErrThrottled, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "AllAccessDisabled":
		return fmt.Errorf("%w: %v", lyra.ErrUnauthorized, err)
	case "EntityTooLarge", "MaxMessageLengthExceeded":
		return fmt.Errorf("%w: %v", lyra.ErrPayloadTooLarge, err)
	case "InvalidArgument", "InvalidRequest", "MalformedXML", "KeyTooLongError", "InvalidBucketName", "NoSuchBucket":
		return fmt.Errorf("%w: %v", lyra.ErrMalformedRequest, err)
	}
	return err
}

var _ lyra.Backend = (*Backend)(nil)
