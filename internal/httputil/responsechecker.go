package httputil

import (
	"fmt"
	"io"
	"net/http"

	"github.com/cvelab/cvehub"
)

// CheckResponse takes a http.Response and a variadic of ints representing
// acceptable http status codes. The error returned will attempt to include
// some content from the server's response and is classified transient, as
// upstream fetches are retried on the next scheduled run.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	acceptable := false
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			acceptable = true
			break
		}
	}
	if !acceptable {
		msg := fmt.Sprintf("unexpected status code: %s", resp.Status)
		limitBody, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err == nil && len(limitBody) > 0 {
			msg = fmt.Sprintf("unexpected status code: %s (body starts: %q)", resp.Status, limitBody)
		}
		return &cvehub.Error{
			Op:      "httputil.CheckResponse",
			Kind:    cvehub.ErrTransient,
			Message: msg,
		}
	}
	return nil
}
