package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "no such key", err: minio.ErrorResponse{Code: "NoSuchKey"}, want: true},
		{name: "head not found", err: minio.ErrorResponse{Code: "NotFound"}, want: true},
		{name: "access denied", err: minio.ErrorResponse{Code: "AccessDenied"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, isNotFound(tc.err))
		})
	}
}

func TestMinioObjectURL(t *testing.T) {
	t.Parallel()

	s, err := NewMinioStorage(MinioOptions{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err, "NewMinioStorage error")
	require.Equal(t, "http://localhost:9000/uploads/abc_cat.png", s.ObjectURL("uploads", "abc_cat.png"))

	s, err = NewMinioStorage(MinioOptions{
		Endpoint:   "localhost:9000",
		PublicBase: "https://cdn.example.com/",
	})
	require.NoError(t, err, "NewMinioStorage error")
	require.Equal(t, "https://cdn.example.com/thumbnails/thumb_x.jpg", s.ObjectURL("thumbnails", "thumb_x.jpg"))
}
