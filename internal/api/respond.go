package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/pkg/logger"
)

const defaultMaxBodyBytes = 2 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

// writeError 输出统一错误体 {success:false, error, code}。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    string(xerrors.CodeOf(err)),
	})
}

// decodeJSON 解析请求体，空请求体视为空对象。
func decodeJSON(r *http.Request, limit int64, dst any) error {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, limit+1))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "Invalid JSON body")
	}
	return nil
}

// readBody 读取原始请求体，超过上限时返回校验错误。
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "Invalid request body")
	}
	if int64(len(data)) > limit {
		return nil, xerrors.New(xerrors.CodeValidation, "Request body too large")
	}
	return data, nil
}
