package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("part.Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer.Close() error = %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestReadSingleFileUploadAcceptsSmallFile(t *testing.T) {
	content := []byte("hello upload")
	body, contentType := multipartBody(t, "file", "note.txt", content)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/chat", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	file, header, cleanup, ok := readSingleFileUpload(rr, req, 1<<20)
	if !ok {
		t.Fatalf("readSingleFileUpload() ok = false, body=%q", rr.Body.String())
	}
	defer cleanup()
	defer file.Close()

	if header.Filename != "note.txt" {
		t.Fatalf("header.Filename = %q, want note.txt", header.Filename)
	}
	got, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("file content = %q, want %q", got, content)
	}
}

func TestReadSingleFileUploadReturnsJSON413OnOversizeBody(t *testing.T) {
	body, contentType := multipartBody(t, "file", "large.bin", bytes.Repeat([]byte{'a'}, 2048))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/chat", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	file, header, cleanup, ok := readSingleFileUpload(rr, req, 1024)
	if cleanup != nil {
		cleanup()
	}
	if file != nil {
		_ = file.Close()
	}
	if ok {
		t.Fatal("readSingleFileUpload() ok = true, want false")
	}
	if header != nil {
		t.Fatalf("readSingleFileUpload() header = %#v, want nil", header)
	}

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, body=%q", err, rr.Body.String())
	}
	if resp.Error.Code != ErrCodePayloadTooLarge {
		t.Fatalf("error.code = %q, want %q", resp.Error.Code, ErrCodePayloadTooLarge)
	}
}

func TestReadSingleFileUploadRequiresFileField(t *testing.T) {
	body, contentType := multipartBody(t, "attachment", "note.txt", []byte("hi"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/chat", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	_, _, _, ok := readSingleFileUpload(rr, req, 1<<20)
	if ok {
		t.Fatal("readSingleFileUpload() ok = true, want false")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}
