package billing

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/larkbilling/internal/model"
)

var validate = newValidator()

// newValidator はエラーのフィールド名にJSON名を使うバリデーターを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate は入力を検証し、失敗した場合はVALIDATION_FAILEDのAPIErrorを返す。
// フィールド名は "checkout_callback_urls.success_url" のようにJSON上のパスで返す。
func Validate(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewValidationFailedError([]string{err.Error()})
	}

	seen := make(map[string]bool, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		// 先頭の構造体名を取り除く
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return model.NewValidationFailedError(fields)
}
