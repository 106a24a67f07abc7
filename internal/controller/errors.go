package controller

import (
	"errors"
	"strings"

	"github.com/ChuLiYu/chunk-pregen/internal/jobmanager"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
)

// 指令錯誤
//
// 找不到任務與任務已終結對使用者呈現相同的訊息。
var (
	ErrInvalidRadius      = errors.New("invalid radius")
	ErrInvalidShape       = errors.New("invalid shape")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrJobTerminal        = errors.New("job already finished or cancelled")
	ErrControllerStopped  = errors.New("controller stopped")

	ErrWorldNotFound = world.ErrWorldNotFound
	ErrJobNotFound   = jobmanager.ErrJobNotFound
	ErrAmbiguousID   = jobmanager.ErrAmbiguousID
)

// Describe 將指令錯誤轉為給使用者看的一行文字
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrJobTerminal):
		return "Job not found or already finished."
	case errors.Is(err, ErrAmbiguousID):
		return "That id prefix matches more than one job; type more characters."
	case errors.Is(err, ErrWorldNotFound):
		return "World not found" + detail(err, ErrWorldNotFound) + "."
	case errors.Is(err, ErrInvalidRadius):
		return "Invalid radius" + detail(err, ErrInvalidRadius) + "."
	case errors.Is(err, ErrInvalidShape):
		return "Invalid shape" + detail(err, ErrInvalidShape) + "; use square or disc."
	case errors.Is(err, ErrInvalidCoordinates):
		return "Invalid coordinates" + detail(err, ErrInvalidCoordinates) + "."
	case errors.Is(err, ErrControllerStopped):
		return "The pre-generator is shutting down."
	}
	return "Internal error: " + err.Error()
}

// detail 取出包在 sentinel 之後的說明（"<sentinel>: <detail>"）
func detail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return ": " + msg[i+len(prefix):]
	}
	return ""
}
