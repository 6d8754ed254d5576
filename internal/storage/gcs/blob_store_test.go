package gcs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf      bytes.Buffer
	closed   bool
	writeErr error
	closeErr error
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func newTestStore(prefix string, w *fakeWriter, seen *[]string) *BlobStore {
	return &BlobStore{
		bucket: "thumbs-bucket",
		prefix: prefix,
		newWriter: func(_ context.Context, bucket, object, contentType string) objectWriter {
			*seen = append(*seen, bucket+"/"+object+"|"+contentType)
			return w
		},
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	var seen []string
	store := newTestStore("thumbnails", w, &seen)

	uri, err := store.PutObject(context.Background(), "B0001.jpg", "image/jpeg", []byte("jpeg"))
	require.NoError(t, err)
	require.Equal(t, "gs://thumbs-bucket/thumbnails/B0001.jpg", uri)
	require.Equal(t, []string{"thumbs-bucket/thumbnails/B0001.jpg|image/jpeg"}, seen)
	require.Equal(t, "jpeg", w.buf.String())
	require.True(t, w.closed)

	_, err = store.PutObject(context.Background(), "", "image/jpeg", nil)
	require.Error(t, err)
}

func TestPutObjectNoPrefix(t *testing.T) {
	t.Parallel()

	var seen []string
	store := newTestStore("", &fakeWriter{}, &seen)
	uri, err := store.PutObject(context.Background(), "/B2.png", "", []byte("png"))
	require.NoError(t, err)
	require.Equal(t, "gs://thumbs-bucket/B2.png", uri)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	var seen []string
	writeFail := newTestStore("", &fakeWriter{writeErr: errors.New("quota")}, &seen)
	_, err := writeFail.PutObject(context.Background(), "x.png", "", []byte("png"))
	require.ErrorContains(t, err, "copy object")

	closeFail := newTestStore("", &fakeWriter{closeErr: errors.New("precondition")}, &seen)
	_, err = closeFail.PutObject(context.Background(), "x.png", "", []byte("png"))
	require.ErrorContains(t, err, "close writer")
}
