package minio

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"

	"github.com/kbdoc/backend/pkg/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, true},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, true},
		{"bare 404", minio.ErrorResponse{StatusCode: http.StatusNotFound}, true},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, false},
		{"network", errors.New("dial tcp: connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("kb", "a.pdf", tt.err)
			assert.Equal(t, tt.notFound, errors.Is(got, apperr.ErrNotFound))
		})
	}
}

func TestIsBucketOwned(t *testing.T) {
	assert.True(t, isBucketOwned(minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou"}))
	assert.False(t, isBucketOwned(minio.ErrorResponse{Code: "InvalidBucketName"}))
}
