package ai

import (
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	goopenai "github.com/meguminnnnnnnnn/go-openai"
	"google.golang.org/genai"
)

// statusCode digs the HTTP status out of a provider error. Zero means the
// request never got an answer (transport failure, timeout, cut stream).
func statusCode(err error) int {
	var oaAPI *goopenai.APIError
	if errors.As(err, &oaAPI) {
		return oaAPI.HTTPStatusCode
	}
	var oaReq *goopenai.RequestError
	if errors.As(err, &oaReq) {
		return oaReq.HTTPStatusCode
	}
	var claudeErr *anthropic.Error
	if errors.As(err, &claudeErr) {
		return claudeErr.StatusCode
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code
	}
	var geminiPtr *genai.APIError
	if errors.As(err, &geminiPtr) && geminiPtr != nil {
		return geminiPtr.Code
	}
	return 0
}

// transient reports whether a failed completion is worth another attempt.
// Rejections such as bad credentials or an invalid request are final.
func transient(err error) bool {
	switch code := statusCode(err); {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return true
	case code >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
