package onion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
)

// UploadedFile represents a file from a multipart form
type UploadedFile struct {
	File     multipart.File
	Header   *multipart.FileHeader
	Filename string
	Size     int64
}

// Close closes the underlying file
func (u *UploadedFile) Close() error {
	return u.File.Close()
}

// ReadAll reads all bytes from the file
func (u *UploadedFile) ReadAll() ([]byte, error) {
	return io.ReadAll(u.File)
}

// ParseMultipartForm parses a multipart form with given max memory (in MB)
// Default is 32MB if maxMemoryMB is 0
func ParseMultipartForm(r *http.Request, maxMemoryMB int64) error {
	if maxMemoryMB == 0 {
		maxMemoryMB = 32
	}
	return r.ParseMultipartForm(maxMemoryMB << 20)
}

// MultipartLayer parses multipart request bodies before the rest of the
// chain runs. The layer parameter is the memory limit in MB ("multipart:8").
// Requests that aren't multipart pass through untouched.
func MultipartLayer(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	if r.Header.Get("Content-Type") == "" || r.MultipartForm != nil {
		return next(ctx, r)
	}

	var maxMemoryMB int64
	if param.Valid {
		n, err := strconv.ParseInt(param.Value, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid multipart memory limit %q", param.Value)
		}
		maxMemoryMB = n
	}

	if err := ParseMultipartForm(r, maxMemoryMB); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return next(ctx, r)
		}
		return JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse form",
		}), nil
	}

	return next(ctx, r)
}

// GetUploadedFile gets a single file from the form
func GetUploadedFile(r *http.Request, fieldName string) (*UploadedFile, error) {
	file, header, err := r.FormFile(fieldName)
	if err != nil {
		return nil, err
	}

	return &UploadedFile{
		File:     file,
		Header:   header,
		Filename: header.Filename,
		Size:     header.Size,
	}, nil
}

// GetUploadedFiles gets multiple files from the form (for multiple file uploads)
func GetUploadedFiles(r *http.Request, fieldName string) ([]*UploadedFile, error) {
	if r.MultipartForm == nil {
		return nil, http.ErrNotMultipart
	}
	files := r.MultipartForm.File[fieldName]
	if len(files) == 0 {
		return nil, http.ErrMissingFile
	}

	uploaded := make([]*UploadedFile, 0, len(files))

	for _, header := range files {
		file, err := header.Open()
		if err != nil {
			return nil, err
		}

		uploaded = append(uploaded, &UploadedFile{
			File:     file,
			Header:   header,
			Filename: header.Filename,
			Size:     header.Size,
		})
	}

	return uploaded, nil
}

// GetFormValue gets a form field value (for non-file fields in multipart form)
func GetFormValue(r *http.Request, fieldName string) string {
	return r.FormValue(fieldName)
}
