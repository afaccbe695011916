package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidEvent is returned for notifications that carry no usable records.
var ErrInvalidEvent = errors.New("ingest: invalid event notification")

// S3Event is an S3 event notification as delivered by the bucket.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
}

// S3EventRecord is one object event inside a notification.
type S3EventRecord struct {
	EventTime    string `json:"eventTime"`
	EventName    string `json:"eventName"`
	UserIdentity struct {
		PrincipalID string `json:"principalId"`
	} `json:"userIdentity"`
	S3 struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key         string `json:"key"`
			Size        int64  `json:"size"`
			ETag        string `json:"eTag"`
			ContentType string `json:"contentType,omitempty"`
		} `json:"object"`
	} `json:"s3"`
}

// AuditData is the structured payload recorded for one object event.
type AuditData struct {
	SourceBucket string `json:"source_bucket"`
	SourceKey    string `json:"source_key"`
	EventTime    string `json:"event_time"`
	EventName    string `json:"event_name"`
	ObjectSize   int64  `json:"object_size"`
	ObjectETag   string `json:"object_etag"`
	UserIdentity string `json:"user_identity"`
	ContentType  string `json:"content_type,omitempty"`
}

// ParseS3Event decodes a notification body. Object keys arrive URL-encoded
// and are decoded here.
func ParseS3Event(body []byte) (*S3Event, error) {
	var evt S3Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(evt.Records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrInvalidEvent)
	}
	for i := range evt.Records {
		rec := &evt.Records[i]
		if rec.S3.Bucket.Name == "" || rec.S3.Object.Key == "" {
			return nil, fmt.Errorf("%w: record %d is missing bucket or key", ErrInvalidEvent, i)
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key %q: %v", ErrInvalidEvent, i, rec.S3.Object.Key, err)
		}
		rec.S3.Object.Key = key
	}
	return &evt, nil
}

// AuditData builds the payload recorded for r.
func (r S3EventRecord) AuditData() AuditData {
	return AuditData{
		SourceBucket: r.S3.Bucket.Name,
		SourceKey:    r.S3.Object.Key,
		EventTime:    r.EventTime,
		EventName:    r.EventName,
		ObjectSize:   r.S3.Object.Size,
		ObjectETag:   strings.Trim(r.S3.Object.ETag, `"`),
		UserIdentity: r.UserIdentity.PrincipalID,
		ContentType:  r.S3.Object.ContentType,
	}
}

// ChainIDFromKey derives the chain an object belongs to: the first path
// segment of the key, or the file name without extension for top-level
// objects. Characters outside [A-Za-z0-9._-] become '-'.
func ChainIDFromKey(key string) string {
	key = strings.TrimLeft(key, "/")
	first, _, nested := strings.Cut(key, "/")
	if !nested {
		first = strings.TrimSuffix(first, path.Ext(first))
	}

	var b strings.Builder
	for _, r := range first {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := b.String()
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}
