package v1

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// FieldImage is the multipart field carrying the upload.
const FieldImage = "image"

// multipartOverhead is the slack allowed on top of the image for boundaries
// and the small form fields.
const multipartOverhead = 64 << 10

// readImage returns the bytes of the image field, enforcing limit.
func readImage(c *gin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	fh, err := c.FormFile(FieldImage)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, domain.TooLargeError(limit)
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			return nil, domain.BadRequestError(fmt.Sprintf("multipart field %q is required", FieldImage))
		default:
			return nil, domain.BadRequestError("invalid multipart body", domain.WithLog(err))
		}
	}
	if fh.Size > limit {
		return nil, domain.TooLargeError(limit)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, domain.InternalError(err)
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, domain.InternalError(err)
	}
	if int64(len(data)) > limit {
		return nil, domain.TooLargeError(limit)
	}
	return data, nil
}
