package lark

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind は課金サービスのエラー種別。
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindUnauthorized
	KindNotFound
	KindAlreadyExists
	KindUnavailable
)

// String はメトリクスのラベルとして使うエラー種別名を返す。
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyExists はリソースが既に存在する場合にerrors.Isで一致する。
	ErrAlreadyExists = errors.New("lark: resource already exists")
	// ErrNotFound はリソースが存在しない場合にerrors.Isで一致する。
	ErrNotFound = errors.New("lark: resource not found")
)

// Error は課金サービス呼び出しの失敗を表す。
// StatusCodeが0の場合はHTTPレスポンスを受け取る前に失敗したことを示す。
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Kind       Kind

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("lark: %s", e.Message)
	}
	return fmt.Sprintf("lark: %s (status %d)", e.Message, e.StatusCode)
}

// Unwrap は通信エラーなど元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.cause
}

// Is はエラー種別に対応する番兵エラーとの一致を判定する。
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// KindOf はエラーから種別を取り出す。*Errorでない場合はKindUnknownを返す。
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsAlreadyExists はerrが「既に存在する」エラーかを返す。
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// SubjectExistsMessage は課金サービスが重複作成時に返す旧形式のメッセージ。
func SubjectExistsMessage(externalID string) string {
	return "Subject with external ID " + externalID + " already exists"
}

// IsSubjectAlreadyExists はerrがexternalIDのSubjectの重複エラーかを返す。
// 種別で判定できないエラーでも、メッセージにexternalIDの重複文言を含めば重複とみなす。
func IsSubjectAlreadyExists(err error, externalID string) bool {
	if err == nil {
		return false
	}
	if IsAlreadyExists(err) {
		return true
	}
	return externalID != "" && strings.Contains(err.Error(), SubjectExistsMessage(externalID))
}

// 重複作成を示すエラーコード
var alreadyExistsCodes = map[string]bool{
	"already_exists":         true,
	"subject_already_exists": true,
	"conflict":               true,
}

// classify はHTTPステータス、エラーコード、メッセージからエラー種別を判定する。
// 409やエラーコードを持たない旧形式のレスポンスに限り、
// "Subject with external ID {id} already exists" というメッセージでも重複と判定する。
func classify(statusCode int, code, message string) Kind {
	if statusCode == http.StatusConflict || alreadyExistsCodes[strings.ToLower(code)] {
		return KindAlreadyExists
	}
	if isSubjectExistsMessage(message) {
		return KindAlreadyExists
	}

	switch {
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindUnauthorized
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

var subjectExistsPattern = regexp.MustCompile(`Subject with external ID \S+ already exists`)

// isSubjectExistsMessage はメッセージが旧形式の重複文言を含むかを判定する。
// 前後の文言や句読点は問わない。
func isSubjectExistsMessage(message string) bool {
	return subjectExistsPattern.MatchString(message)
}
