package delivery

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// formField is one text part of a multipart form.
type formField struct {
	name  string
	value string
}

// fileForm streams a multipart body made of text fields followed by one
// file part, so large scans are never held in memory.
type fileForm struct {
	body        io.ReadCloser
	contentType string
}

// newFileForm opens path and returns a body that writes fields and then the
// file under fileField. The file is opened up front so a missing file fails
// before any request is sent.
func newFileForm(fields []formField, fileField, filename, path string) (*fileForm, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		pw.CloseWithError(writeForm(mw, fields, fileField, filename, f))
	}()

	return &fileForm{body: pr, contentType: mw.FormDataContentType()}, nil
}

func writeForm(mw *multipart.Writer, fields []formField, fileField, filename string, src io.Reader) error {
	for _, fld := range fields {
		if err := mw.WriteField(fld.name, fld.value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(fileField, filepath.Base(filename))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// checkStatus turns a non-2xx response into an error carrying a short
// excerpt of the body.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, excerpt)
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
