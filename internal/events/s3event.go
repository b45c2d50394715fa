// Package events turns object-store notifications into ingestion requests.
package events

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"geoingest/internal/ingesterrors"
)

const DefaultKeySuffix = ".geojson"

// DefaultSystemFolders are path segments whose objects are never ingested.
var DefaultSystemFolders = []string{"_system", ".tmp", "logs", "backups"}

// Record is one object referenced by a notification.
type Record struct {
	Bucket    string
	Key       string
	EventName string
	// SkipReason is set when the record should not be ingested.
	SkipReason string
}

type notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`

	// S3 test events sent when a notification is configured.
	Event string `json:"Event"`

	// SNS envelope.
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// ParseS3Event extracts the records of an S3 event notification. SNS
// envelopes are unwrapped and test events yield no records.
func ParseS3Event(body []byte) ([]Record, error) {
	return parse(body, 0)
}

func parse(body []byte, depth int) ([]Record, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindInvalidRequest, "decode event notification", err)
	}

	if n.Type == "Notification" && n.Message != "" {
		if depth > 0 {
			return nil, ingesterrors.New(ingesterrors.KindInvalidRequest, "nested notification envelope")
		}
		return parse([]byte(n.Message), depth+1)
	}
	if n.Event == "s3:TestEvent" {
		return nil, nil
	}
	if n.Records == nil {
		return nil, ingesterrors.New(ingesterrors.KindInvalidRequest, "event notification has no Records")
	}

	out := make([]Record, 0, len(n.Records))
	for i, r := range n.Records {
		rec := Record{Bucket: r.S3.Bucket.Name, EventName: r.EventName}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			rec.Key = r.S3.Object.Key
			rec.SkipReason = fmt.Sprintf("record %d: undecodable key: %v", i, err)
			out = append(out, rec)
			continue
		}
		rec.Key = key

		switch {
		case rec.Bucket == "" || rec.Key == "":
			rec.SkipReason = fmt.Sprintf("record %d: missing bucket or key", i)
		case rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated"):
			rec.SkipReason = "not an object-created event: " + rec.EventName
		}
		out = append(out, rec)
	}
	return out, nil
}

// Filter decides which object keys are worth ingesting.
type Filter struct {
	Suffix        string
	SystemFolders []string
}

func NewFilter(suffix string) Filter {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		suffix = DefaultKeySuffix
	}
	return Filter{Suffix: suffix, SystemFolders: DefaultSystemFolders}
}

// SkipReason returns a non-empty explanation when key must be skipped.
func (f Filter) SkipReason(key string) string {
	lower := strings.ToLower(key)
	if f.Suffix != "" && !strings.HasSuffix(lower, strings.ToLower(f.Suffix)) {
		return "key does not end with " + f.Suffix
	}
	segments := strings.Split(lower, "/")
	for _, seg := range segments[:len(segments)-1] {
		for _, folder := range f.SystemFolders {
			if seg == strings.ToLower(folder) {
				return "key is in system folder " + folder
			}
		}
	}
	return ""
}
