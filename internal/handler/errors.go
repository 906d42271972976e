package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/hitoshi/larkbilling/internal/middleware"
	"github.com/hitoshi/larkbilling/internal/model"
)

// writeJSON はvをJSONとしてstatusCodeで書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層のエラーをレスポンスに変換する。
// *model.APIError以外は内部エラーとして扱い、課金APIの失敗は種別とステータスをログに残す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	attrs := []slog.Attr{
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	}
	var larkErr *lark.Error
	if errors.As(err, &larkErr) {
		attrs = append(attrs,
			slog.String("error_kind", larkErr.Kind.String()),
			slog.Int("billing_status", larkErr.StatusCode),
		)
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "internal server error", attrs...)
	middleware.WriteInternalServerError(w)
}
