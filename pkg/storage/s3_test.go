package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestS3KeyPrefix(t *testing.T) {
	s := &S3Storage{prefix: "relay"}
	assert.Equal(t, "relay/transcripts/r1/a.json", s.objectKey("transcripts/r1/a.json"))
	assert.Equal(t, "relay/transcripts/r1/a.json", s.objectKey("/transcripts/r1/a.json"))
	assert.Equal(t, "transcripts/r1/a.json", s.storageKey("relay/transcripts/r1/a.json"))

	bare := &S3Storage{}
	assert.Equal(t, "transcripts/r1/", bare.objectKey("transcripts/r1/"))
	assert.Equal(t, "transcripts/r1/a.json", bare.storageKey("transcripts/r1/a.json"))
}
