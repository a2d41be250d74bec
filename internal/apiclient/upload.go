package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/Skotchmaster/rbe_session/internal/apierr"
)

type FormFile struct {
	Field   string
	Name    string
	Content io.Reader
}

// Form is a multipart body. Fields are written before files.
type Form struct {
	Fields map[string]string
	Files  []FormFile
}

// Upload posts form as multipart/form-data. The body is buffered so the
// request can report its length.
func (c *Client) Upload(ctx context.Context, path string, form Form, opts ...CallOption) (*Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range form.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, apierr.Validation(fmt.Sprintf("write field %q: %v", k, err))
		}
	}
	for _, f := range form.Files {
		part, err := w.CreateFormFile(f.Field, f.Name)
		if err != nil {
			return nil, apierr.Validation(fmt.Sprintf("create part %q: %v", f.Field, err))
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, apierr.Validation(fmt.Sprintf("copy %q: %v", f.Name, err))
		}
	}
	if err := w.Close(); err != nil {
		return nil, apierr.Validation(fmt.Sprintf("close form: %v", err))
	}

	return c.send(ctx, http.MethodPost, path, &buf, w.FormDataContentType(), opts)
}
